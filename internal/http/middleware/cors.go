package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAge = 600

type CORSConfig struct {
	// AllowedOrigins accepts exact origins, "*" and single-label wildcards such as
	// "https://*.example.com".
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	// ExposedHeaders defaults to Content-Disposition and X-Request-Id so browsers can read
	// the download filename.
	ExposedHeaders []string
	MaxAgeSeconds  int
}

type corsPolicy struct {
	anyOrigin bool
	exact     map[string]struct{}
	suffixes  []wildcardOrigin

	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
}

type wildcardOrigin struct {
	scheme string
	suffix string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	policy := &corsPolicy{exact: make(map[string]struct{})}
	for _, origin := range cleanList(cfg.AllowedOrigins) {
		origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
		switch {
		case origin == "*":
			policy.anyOrigin = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			policy.suffixes = append(policy.suffixes, wildcardOrigin{scheme: scheme + "://", suffix: host})
		default:
			policy.exact[origin] = struct{}{}
		}
	}

	policy.allowMethods = joinOr(cfg.AllowedMethods, http.MethodGet, http.MethodPost, http.MethodOptions)
	policy.allowHeaders = joinOr(cfg.AllowedHeaders, "Accept", "Content-Type", requestIDHeader)
	policy.exposeHeaders = joinOr(cfg.ExposedHeaders, "Content-Disposition", requestIDHeader)
	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	policy.maxAge = strconv.Itoa(maxAge)
	return policy
}

func (p *corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	origin = strings.ToLower(origin)
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, wildcard := range p.suffixes {
		host, ok := strings.CutPrefix(origin, wildcard.scheme)
		if !ok || !strings.HasSuffix(host, wildcard.suffix) {
			continue
		}
		label := strings.TrimSuffix(host, wildcard.suffix)
		if label != "" && !strings.Contains(label, ".") {
			return true
		}
	}
	return false
}

// CORS answers preflights for allowed origins and decorates their actual requests.
// Requests from other origins pass through untouched and the browser blocks them.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !policy.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if policy.anyOrigin {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				header.Add("Vary", "Access-Control-Request-Method")
				header.Add("Vary", "Access-Control-Request-Headers")
				header.Set("Access-Control-Allow-Methods", policy.allowMethods)
				header.Set("Access-Control-Allow-Headers", policy.allowHeaders)
				header.Set("Access-Control-Max-Age", policy.maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			header.Set("Access-Control-Expose-Headers", policy.exposeHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

func joinOr(values []string, defaults ...string) string {
	if cleaned := cleanList(values); len(cleaned) > 0 {
		return strings.Join(cleaned, ", ")
	}
	return strings.Join(defaults, ", ")
}

func cleanList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			result = append(result, value)
		}
	}
	return result
}
