// Package directorytest provides an in-memory directory server speaking the
// login and people API, for tests.
package directorytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"ssogate/internal/config"
)

// APIPath is the path prefix the server mounts the API under.
const APIPath = "/alfresco/service/api"

// User is a stored account.
type User struct {
	UserName  string `json:"userName"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

type account struct {
	User
	hash []byte
}

// Call records one request received by the server.
type Call struct {
	Method      string
	Path        string
	Ticket      string
	ContentType string
	Body        map[string]any
}

// Server is a fake directory. Passwords are stored as bcrypt hashes.
type Server struct {
	*httptest.Server

	adminUser string

	mu          sync.Mutex
	accounts    map[string]*account
	tickets     map[string]string
	calls       []Call
	loginStatus int
	writeStatus int
}

// NewServer starts a directory with a single admin account. It is closed
// when the test ends.
func NewServer(t testing.TB, adminUser, adminPassword string) *Server {
	t.Helper()
	s := &Server{
		adminUser: adminUser,
		accounts:  make(map[string]*account),
		tickets:   make(map[string]string),
	}
	if err := s.AddUser(User{UserName: adminUser}, adminPassword); err != nil {
		t.Fatalf("add admin: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+APIPath+"/login", s.handleLogin)
	mux.HandleFunc("GET "+APIPath+"/people/{username}", s.handleGet)
	mux.HandleFunc("POST "+APIPath+"/people", s.handleCreate)
	mux.HandleFunc("PUT "+APIPath+"/people/{username}", s.handleUpdate)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config returns the repository.* settings pointing at the server.
func (s *Server) Config(adminPassword, userPassword string) map[string]string {
	u, _ := url.Parse(s.URL)
	return map[string]string{
		config.RepositoryProtocol:     u.Scheme,
		config.RepositoryHost:         u.Hostname(),
		config.RepositoryPort:         u.Port(),
		config.RepositoryAPI:          APIPath,
		config.RepositoryAdmin:        s.adminUser,
		config.RepositoryPassword:     adminPassword,
		config.RepositoryUserPassword: userPassword,
	}
}

// AddUser stores an account with the given password.
func (s *Server) AddUser(u User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[u.UserName] = &account{User: u, hash: hash}
	return nil
}

// User returns the stored account.
func (s *Server) User(name string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[name]
	if !ok {
		return User{}, false
	}
	return a.User, true
}

// UserCount returns the number of stored accounts, admin included.
func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// Calls returns a copy of the recorded requests.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded requests with the given method whose path
// ends with suffix.
func (s *Server) CallsTo(method, suffix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method && strings.HasSuffix(c.Path, suffix) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets recorded requests.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// SetLoginStatus forces every login to answer with code. Zero restores
// normal behaviour.
func (s *Server) SetLoginStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginStatus = code
}

// SetWriteStatus forces every create and update to answer with code. Zero
// restores normal behaviour.
func (s *Server) SetWriteStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeStatus = code
}

func (s *Server) record(r *http.Request) map[string]any {
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Method:      r.Method,
		Path:        r.URL.Path,
		Ticket:      r.URL.Query().Get("alf_ticket"),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	s.mu.Unlock()
	return body
}

// authorized reports whether the request carries an admin ticket.
func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickets[r.URL.Query().Get("alf_ticket")] == s.adminUser
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	body := s.record(r)
	username, _ := body["username"].(string)
	password, _ := body["password"].(string)

	s.mu.Lock()
	forced := s.loginStatus
	a, ok := s.accounts[username]
	s.mu.Unlock()

	if forced != 0 {
		w.WriteHeader(forced)
		return
	}
	if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(password)) != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"status": map[string]any{"code": 403}})
		return
	}

	ticket := "TICKET_" + uuid.NewString()
	s.mu.Lock()
	s.tickets[ticket] = username
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"ticket": ticket}})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	u, ok := s.User(r.PathValue("username"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body := s.record(r)
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if code := s.forcedWrite(); code != 0 {
		w.WriteHeader(code)
		return
	}
	u := User{
		UserName:  str(body, "userName"),
		FirstName: str(body, "firstName"),
		LastName:  str(body, "lastName"),
		Email:     str(body, "email"),
	}
	if u.UserName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, exists := s.User(u.UserName); exists {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if err := s.AddUser(u, str(body, "password")); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body := s.record(r)
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if code := s.forcedWrite(); code != 0 {
		w.WriteHeader(code)
		return
	}
	s.mu.Lock()
	a, ok := s.accounts[r.PathValue("username")]
	if ok {
		a.FirstName = str(body, "firstName")
		a.LastName = str(body, "lastName")
		a.Email = str(body, "email")
	}
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	u, _ := s.User(r.PathValue("username"))
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) forcedWrite() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeStatus
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
