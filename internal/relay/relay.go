// Package relay publishes pastes on behalf of the HTTP and TCP front ends,
// caching results so the same content is not published twice.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombowditch/pastey-relay/internal/config"
	"github.com/tombowditch/pastey-relay/internal/logger"
	"github.com/tombowditch/pastey-relay/internal/metrics"
	"github.com/tombowditch/pastey-relay/internal/paste"
	"github.com/tombowditch/pastey-relay/internal/store"
	"github.com/tombowditch/pastey-relay/publisher"
)

// ErrServiceUnreachable is returned when every backend attempt failed.
var ErrServiceUnreachable = errors.New("failed to reach pastebin service")

// Result is a published paste.
type Result struct {
	Backend string
	ViewURL string
	RawURL  string
	Cached  bool
}

// Service publishes content through a publisher.Publisher per request.
type Service struct {
	store   store.Store
	metrics *metrics.Metrics
	opts    []publisher.Option
	group   singleflight.Group
	now     func() time.Time
}

// New creates a Service. st and m may be nil to disable caching and metrics.
func New(st store.Store, m *metrics.Metrics, opts ...publisher.Option) *Service {
	return &Service{
		store:   st,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// PublisherOptions translates relay configuration into publisher options.
func PublisherOptions(cfg *config.Config) []publisher.Option {
	opts := []publisher.Option{publisher.WithTimeout(cfg.Publish.Timeout)}
	if cfg.Backends.Dogbin != "" {
		opts = append(opts, publisher.WithBaseURL(publisher.Dogbin, cfg.Backends.Dogbin))
	}
	if cfg.Backends.Nekobin != "" {
		opts = append(opts, publisher.WithBaseURL(publisher.Nekobin, cfg.Backends.Nekobin))
	}
	if cfg.Backends.Hastebin != "" {
		opts = append(opts, publisher.WithBaseURL(publisher.Hastebin, cfg.Backends.Hastebin))
	}
	return opts
}

// Paste validates content and publishes it. An empty selector means
// failover starting at the default backend; otherwise only the selected
// backend is tried.
func (s *Service) Paste(ctx context.Context, content []byte, selector string) (*Result, error) {
	if err := paste.Validate(content); err != nil {
		return nil, err
	}

	pinned := selector != ""
	var backend publisher.ID
	if pinned {
		id, err := publisher.ParseBackend(selector)
		if err != nil {
			return nil, &paste.ValidationError{StatusCode: http.StatusBadRequest, Message: "Invalid flag"}
		}
		backend = id
	}

	key := cacheKey(pinned, backend, content)
	log := logger.FromContext(ctx).With("component", "relay", "cache_key", key[:12])

	if rec := s.lookup(log, key); rec != nil {
		if s.metrics != nil {
			s.metrics.CacheHitsTotal.Inc()
		}
		log.Info("answered from cache", "backend", rec.Backend)
		return &Result{Backend: rec.Backend, ViewURL: rec.ViewURL, RawURL: rec.RawURL, Cached: true}, nil
	}

	// Callers that join an in-flight publish share its outcome, so the
	// publish must not be cut short when the caller that started it goes away.
	// Each caller still stops waiting when its own context ends.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.publish(context.WithoutCancel(ctx), log, content, pinned, backend)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			log.Debug("joined in-flight publish")
		}
		res := *r.Val.(*Result)
		return &res, nil
	case <-ctx.Done():
		log.Info("caller went away before publish finished", "error", ctx.Err().Error())
		return nil, ctx.Err()
	}
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, content []byte, pinned bool, backend publisher.ID) (*Result, error) {
	opts := append([]publisher.Option{}, s.opts...)
	opts = append(opts, publisher.WithLogger(log), publisher.WithObserver(s.observe))

	p := publisher.New(string(content), opts...)
	defer p.Close()

	var err error
	if pinned {
		err = p.PublishTo(ctx, backend)
	} else {
		err = p.Publish(ctx)
	}
	if err != nil {
		s.countPublish("error")
		log.Error("publish failed", "error", err.Error())
		return nil, err
	}
	if !p.OK() {
		s.countPublish("unreachable")
		log.Warn("no backend accepted the paste", "attempts", len(p.Attempts()))
		return nil, ErrServiceUnreachable
	}
	s.countPublish("ok")

	id, _ := p.Succeeded()
	res := &Result{Backend: id.String(), ViewURL: p.ViewLink(), RawURL: p.RawLink()}
	log.Info("published paste", "backend", res.Backend, "url", res.ViewURL)

	if s.store != nil {
		key := cacheKey(pinned, backend, content)
		rec := &store.Record{Backend: res.Backend, ViewURL: res.ViewURL, RawURL: res.RawURL, PublishedAt: s.now().UTC()}
		if err := s.store.Put(key, rec); err != nil {
			log.Error("caching result failed", "error", err)
		}
	}
	return res, nil
}

func (s *Service) lookup(log *slog.Logger, key string) *store.Record {
	if s.store == nil {
		return nil
	}
	rec, err := s.store.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("cache lookup failed", "error", err)
		}
		return nil
	}
	return rec
}

func (s *Service) observe(a publisher.Attempt) {
	if s.metrics == nil {
		return
	}
	s.metrics.AttemptsTotal.WithLabelValues(a.Backend.String(), outcome(a.Err)).Inc()
	s.metrics.AttemptDuration.WithLabelValues(a.Backend.String()).Observe(a.Duration.Seconds())
}

func (s *Service) countPublish(result string) {
	if s.metrics != nil {
		s.metrics.PublishesTotal.WithLabelValues(result).Inc()
	}
}

func outcome(err error) string {
	var perr *publisher.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &perr) && perr.Code == publisher.ErrBadStatus:
		return "bad_status"
	case publisher.IsUnreachable(err):
		return "unreachable"
	default:
		return "error"
	}
}

// cacheKey identifies content published under a given selector. Failover and
// pinned publishes are cached separately.
func cacheKey(pinned bool, backend publisher.ID, content []byte) string {
	h := sha256.New()
	if pinned {
		h.Write([]byte(backend.String()))
	} else {
		h.Write([]byte("failover"))
	}
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
