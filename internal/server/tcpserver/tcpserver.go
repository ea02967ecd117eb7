package tcpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

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

// Server holds dependencies for the TCP server.
type Server struct {
	paster  Paster
	limiter ratelimit.Limiter
	metrics *metrics.Metrics

	// Read deadlines: before the first byte, and between later reads.
	firstReadTimeout time.Duration
	idleTimeout      time.Duration
}

// New creates a new TCP server. limiter and m may be nil.
func New(p Paster, limiter ratelimit.Limiter, m *metrics.Metrics) *Server {
	return &Server{
		paster:           p,
		limiter:          limiter,
		metrics:          m,
		firstReadTimeout: 5 * time.Second,
		idleTimeout:      2 * time.Second,
	}
}

// Serve starts listening on the given address and handles connections.
// This function blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, l)
}

// ServeListener handles connections accepted from l. It closes l on return.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log := logger.WithComponent("tcpserver")
	log.Info("tcp server listening", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Error("error accepting connection", "error", err)
			continue
		}
		go s.handleRequest(ctx, conn)
	}
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx = logger.WithRequestID(ctx, logger.NewRequestID())
	log := logger.FromContext(ctx).With("component", "tcpserver")

	msg := make([]byte, 0)
	buf := make([]byte, 1024)
	bytesRead := 0

	cip := remoteIP(conn.RemoteAddr())

	conn.SetReadDeadline(time.Now().Add(s.firstReadTimeout))

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			bytesRead += n
			if bytesRead > config.MaxPayloadSize {
				conn.Write([]byte("payload too big\r\n"))
				return
			}
			msg = append(msg, buf[:n]...)
		}
		if err != nil {
			if netErr, ok := err.(net.Error); err != io.EOF && (!ok || !netErr.Timeout()) {
				log.Error("read error", "error", err, "ip", cip)
				conn.Write([]byte("read err\r\n"))
				return
			}
			break
		}

		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}

	// The payload is read first: closing with unread data resets the
	// connection and the client never sees the reply.
	if s.limiter != nil && !s.limiter.Allow("pastey_rl_"+cip, 5*time.Second, 1) {
		log.Warn("rate limit exceeded", "ip", cip)
		if s.metrics != nil {
			s.metrics.RateLimited.WithLabelValues("tcp").Inc()
		}
		conn.Write([]byte("rate limit exceeded (1 paste per 5 seconds)\r\n"))
		return
	}

	res, err := s.paster.Paste(ctx, msg, "")
	if err != nil {
		var ve *paste.ValidationError
		switch {
		case errors.As(err, &ve):
			// Convert message for TCP (use \r\n line endings)
			tcpMsg := strings.ReplaceAll(ve.Message, "\n", "\r\n")
			conn.Write([]byte(tcpMsg + "\r\n"))
		case errors.Is(err, relay.ErrServiceUnreachable):
			conn.Write([]byte("Failed to reach Pastebin Service\r\n"))
		default:
			log.Error("paste failed", "error", err.Error(), "ip", cip)
			conn.Write([]byte("error\r\n"))
		}
		return
	}

	log.Info("created paste via TCP", "backend", res.Backend, "cached", res.Cached, "remote", cip)
	conn.Write([]byte(res.ViewURL + "\r\n" + res.RawURL + "\r\n"))
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
