package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dgellow/oauth-front/internal/adminauth"
	"github.com/dgellow/oauth-front/internal/config"
	jsonwriter "github.com/dgellow/oauth-front/internal/json"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
	"github.com/dgellow/oauth-front/internal/oauth"
)

// MiddlewareFunc wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware applies middlewares in list order, so the last one runs
// first
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

const (
	corsAllowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	corsExposeHeaders = "WWW-Authenticate"
	corsMaxAge        = "3600"
)

var corsAllowHeaders = "Content-Type, Authorization, " + oauth.AccessTokenHeader

// NewCORSMiddleware lets browser clients on the listed origins call the
// token, revoke and app-credential endpoints with credentials. With no
// origins configured any origin may call, without credentials.
func NewCORSMiddleware(allowedOrigins []string) MiddlewareFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			switch {
			case len(allowed) == 0:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && ok:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			default:
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the status and size of a response for logging
// and metrics. Unwrap keeps http.ResponseController working through it.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func recordStatus(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w}
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status != 0 {
		return
	}
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// NewLoggerMiddleware logs one line per request. Query strings are left out
// because authorize and token requests carry codes and secrets.
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recordStatus(w)

			next.ServeHTTP(rec, r)

			log.LogInfoWithFields(prefix, "request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       rec.written,
				"remote_addr": r.RemoteAddr,
			})
		})
	}
}

// NewMetricsMiddleware records every request under the route pattern, not
// the raw path, to keep label cardinality bounded
func NewMetricsMiddleware(recorder metrics.Recorder, route string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recordStatus(w)
			next.ServeHTTP(rec, r)
			recorder.RecordHTTPRequest(r.Method, route, rec.Status(), time.Since(start))
		})
	}
}

// NewRecoverMiddleware turns a panicking handler into a 500 and logs the
// stack
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.LogErrorWithFields(prefix, "Handler panicked", map[string]any{
					"panic":  fmt.Sprint(v),
					"method": r.Method,
					"path":   r.URL.Path,
					"stack":  string(debug.Stack()),
				})
				jsonwriter.WriteInternalServerError(w, "Internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewUserLoginMiddleware requires a signed-in user, from the session cookie
// or Basic credentials, and puts the username in the request context
func NewUserLoginMiddleware(login *UserLogin) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok, err := login.Identify(w, r)
			if err != nil || !ok {
				jsonwriter.WriteLoginChallenge(w, login.Realm(), "Sign in required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), sess.Username)))
		})
	}
}

// NewAdminMiddleware lets through users that are configured admins or
// flagged admin in the user registry. ChainMiddleware wraps in list order,
// so list it before NewUserLoginMiddleware.
func NewAdminMiddleware(cfg *config.AdminConfig, users oauth.UserRegistry) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, ok := UserFromContext(r.Context())
			if !ok {
				jsonwriter.WriteUnauthorized(w, "Unauthorized")
				return
			}
			if cfg == nil || !cfg.Enabled {
				jsonwriter.WriteForbidden(w, "Administration is disabled")
				return
			}
			if !adminauth.IsAdmin(r.Context(), username, cfg, users) {
				log.LogWarnWithFields("http", "Non-admin user denied", map[string]any{
					"user": username,
					"path": r.URL.Path,
				})
				jsonwriter.WriteForbidden(w, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
