package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/tombowditch/pastey-relay/internal/config"
	"github.com/tombowditch/pastey-relay/internal/logger"
	"github.com/tombowditch/pastey-relay/internal/metrics"
	"github.com/tombowditch/pastey-relay/internal/paste"
	"github.com/tombowditch/pastey-relay/internal/ratelimit"
	"github.com/tombowditch/pastey-relay/internal/relay"
)

// Paster publishes content. It is satisfied by *relay.Service.
type Paster interface {
	Paste(ctx context.Context, content []byte, selector string) (*relay.Result, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	paster     Paster
	limiter    ratelimit.Limiter
	metrics    *metrics.Metrics
	trustProxy bool
}

// Options configures NewHandler. Metrics may be nil.
type Options struct {
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Metrics
	TrustProxy bool
}

// NewHandler creates an HTTP handler with all routes configured.
func NewHandler(p Paster, opts Options) http.Handler {
	srv := &Server{
		paster:     p,
		limiter:    opts.Limiter,
		metrics:    opts.Metrics,
		trustProxy: opts.TrustProxy,
	}

	r := httprouter.New()
	r.GET("/", srv.indexPage)
	r.GET("/healthz", srv.healthz)
	r.POST("/paste", srv.createPaste)
	if opts.Metrics != nil {
		r.Handler(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	return r
}

func (s *Server) indexPage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(`pastey-relay - publish text to dogbin, nekobin or hastebin

pipe to 'nc <host> 9999', or POST to /paste

- dogbin is tried first, then nekobin, then hastebin
- pick one service with ?service=d, ?service=n or ?service=h (no fallback)

example
=======

~> echo "hello" | nc <host> 9999
https://del.dog/yourpaste
https://del.dog/raw/yourpaste

~> curl --data-binary @main.go '<host>:3334/paste?service=n'
https://nekobin.com/yourpaste
https://nekobin.com/raw/yourpaste`))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) createPaste(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	defer r.Body.Close()

	requestID := logger.NewRequestID()
	ctx := logger.WithRequestID(r.Context(), requestID)
	log := logger.FromContext(ctx).With("component", "httpserver")
	w.Header().Set("X-Request-ID", requestID)

	// Rate limit: 1 paste per 5 seconds per IP
	cip := s.clientIP(r)
	if s.limiter != nil && !s.limiter.Allow("pastey_http_create_rl_"+cip, 5*time.Second, 1) {
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues("http").Inc()
		}
		writeText(w, http.StatusTooManyRequests, "rate limit exceeded (1 paste per 5 seconds)")
		return
	}

	// Read body (max 5MB + 1 byte to detect overflow)
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(config.MaxPayloadSize)+1))
	if err != nil {
		writeText(w, http.StatusBadRequest, "error reading body")
		return
	}

	res, err := s.paster.Paste(ctx, body, r.URL.Query().Get("service"))
	if err != nil {
		var ve *paste.ValidationError
		switch {
		case errors.As(err, &ve):
			writeText(w, ve.StatusCode, ve.Message)
		case errors.Is(err, relay.ErrServiceUnreachable):
			writeText(w, http.StatusBadGateway, "Failed to reach Pastebin Service")
		default:
			log.Error("paste failed", "error", err.Error(), "remote", cip)
			writeText(w, http.StatusInternalServerError, "error")
		}
		return
	}

	log.Info("created paste via HTTP POST", "backend", res.Backend, "cached", res.Cached, "remote", cip)
	writeText(w, http.StatusCreated, res.ViewURL+"\n"+res.RawURL+"\n")
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(msg))
}

// clientIP extracts the client IP. Forwarding headers are only honoured when
// the relay is configured to trust its proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		// X-Forwarded-For can be comma-separated list: client, proxy1, proxy2
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ListenAndServe serves h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
