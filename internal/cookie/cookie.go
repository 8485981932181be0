package cookie

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/oauth-front/internal/log"
)

// SessionCookie carries the signed login session
const SessionCookie = "oauth_front_session"

// Jar reads and writes the session cookie. It is scoped to the issuer path
// and only marked Secure when the issuer is served over https.
type Jar struct {
	path   string
	secure bool
}

// NewJar derives the cookie attributes from the issuer URL
func NewJar(issuer string) Jar {
	jar := Jar{path: "/", secure: true}
	u, err := url.Parse(issuer)
	if err != nil {
		return jar
	}
	jar.secure = u.Scheme != "http"
	if u.Path != "" && u.Path != "/" {
		jar.path = u.Path
	}
	return jar
}

// Secure reports whether cookies written by the jar carry the Secure flag
func (j Jar) Secure() bool {
	return j.secure
}

// Set writes the session cookie
func (j Jar) Set(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     j.path,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})
	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"maxAge": maxAge.String(),
		"secure": j.secure,
		"path":   j.path,
	})
}

// Clear expires the session cookie
func (j Jar) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Path:     j.path,
		HttpOnly: true,
		Secure:   j.secure,
		MaxAge:   -1,
	})
	log.LogTraceWithFields("cookie", "Session cookie cleared", nil)
}

// Value returns the session cookie sent with r
func (j Jar) Value(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
