package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"ssogate/internal/observability"
)

// UserHeader tells the upstream application who is logged in. Any value
// sent by the client is discarded.
const UserHeader = "X-Authenticated-User"

// NewUpstreamProxy returns a reverse proxy to target that forwards the
// authenticated username in UserHeader.
func NewUpstreamProxy(target *url.URL, logger observability.Logger) *httputil.ReverseProxy {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	logger = logger.WithComponent("proxy")
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del(UserHeader)
			if user := observability.UsernameFromContext(pr.In.Context()); user != "" {
				pr.Out.Header.Set(UserHeader, user)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "upstream request failed", "error", err)
			writeJSON(w, http.StatusBadGateway, apiError{Error: "upstream unavailable"})
		},
	}
}

// forwardUser strips a client-supplied UserHeader and reports the logged-in
// user to the access log.
func forwardUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(UserHeader)
		if user := observability.UsernameFromContext(r.Context()); user != "" {
			r.Header.Set(UserHeader, user)
			noteUser(r.Context(), user)
		}
		next.ServeHTTP(w, r)
	})
}
