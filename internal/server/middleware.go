package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	jsonwriter "github.com/dgellow/bot-auth-bridge/internal/json"
	"github.com/dgellow/bot-auth-bridge/internal/log"
)

// MiddlewareFunc is a function that wraps an http.Handler
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware chains multiple middleware functions. The last one runs
// first.
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// responseWriterDelegator wraps http.ResponseWriter to capture status and bytes written
type responseWriterDelegator struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterDelegator {
	return &responseWriterDelegator{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (r *responseWriterDelegator) Status() int {
	return r.status
}

func (r *responseWriterDelegator) BytesWritten() int {
	return r.written
}

func (r *responseWriterDelegator) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseWriterDelegator) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController
func (r *responseWriterDelegator) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

var _ http.ResponseWriter = (*responseWriterDelegator)(nil)

// NewLoggerMiddleware logs every request with its response status. The
// query string is never logged: the callback carries the authorization code.
func NewLoggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			log.LogInfoWithFields(prefix, "request", map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.BytesWritten(),
				"remote_addr": r.RemoteAddr,
			})
		})
	}
}

// NewRecoverMiddleware recovers from panics
func NewRecoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.LogErrorWithFields(prefix, "Recovered from panic", map[string]any{
						"error": err,
						"path":  r.URL.Path,
					})
					jsonwriter.WriteInternalServerError(w, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewSecurityHeadersMiddleware keeps the callback pages out of frames,
// caches and referrers.
func NewSecurityHeadersMiddleware() MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitObserver is notified of rejected requests.
type RateLimitObserver interface {
	RecordRateLimitExceeded(ctx context.Context, path string)
}

// NewBearerAuthMiddleware only lets requests carrying secret as a bearer
// token through. An empty secret rejects everything.
func NewBearerAuthMiddleware(secret string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				log.LogTraceWithFields("http", "Bearer auth failed", map[string]any{
					"path":       r.URL.Path,
					"has_header": r.Header.Get("Authorization") != "",
				})
				w.Header().Set("WWW-Authenticate", `Bearer realm="bot-auth-bridge"`)
				jsonwriter.WriteUnauthorized(w, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRateLimitMiddleware rejects clients exceeding limiter with 429. A nil
// limiter disables the check.
func NewRateLimitMiddleware(limiter *RateLimiter, resolver ClientIPResolver, observer RateLimitObserver) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolver.ClientIP(r)
			if !limiter.Allow(ip) {
				log.LogWarnWithFields("http", "Rate limit exceeded", map[string]any{
					"client_ip": ip,
					"path":      r.URL.Path,
				})
				if observer != nil {
					observer.RecordRateLimitExceeded(r.Context(), r.URL.Path)
				}
				w.Header().Set("Retry-After", "1")
				jsonwriter.WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPResolver finds the address a request came from.
type ClientIPResolver struct {
	// TrustProxy honours X-Forwarded-For. Only enable it behind a reverse
	// proxy that appends the connecting address to the header.
	TrustProxy bool
	// TrustedProxyCount is the number of such proxies in front of the
	// service. Defaults to 1.
	TrustedProxyCount int
}

// ClientIP returns the hop the first trusted proxy saw, or the peer address
// when proxies are not trusted. Hops left of it are client supplied and
// ignored.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := forwardedFor(r.Header.Values("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(values []string, trusted int) string {
	if trusted <= 0 {
		trusted = 1
	}
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}
	i := len(hops) - trusted
	if i < 0 {
		return ""
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
	if err != nil {
		return ""
	}
	return addr.String()
}
