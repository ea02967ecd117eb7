package publisher

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	// RetryBudget is the number of failover hops a Publish call may take.
	RetryBudget = 3

	// DefaultTimeout bounds each individual backend call.
	DefaultTimeout = 30 * time.Second

	// NoLink is what ViewLink and RawLink return when no backend succeeded.
	NoLink = ""

	rawPath = "raw/"
)

// Attempt records one call to one backend.
type Attempt struct {
	Backend  ID
	Key      string
	Err      error
	Duration time.Duration
}

// Publisher publishes a single piece of content to one of the backends.
// A Publisher is meant for exactly one publish operation and must be closed
// afterwards to release its HTTP session.
type Publisher struct {
	content    string
	httpClient *http.Client
	ownsClient bool
	timeout    time.Duration
	backends   [numBackends]Backend
	keys       [numBackends]string
	budget     int
	attempts   []Attempt
	observer   func(Attempt)
	logger     *slog.Logger
	closed     bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client. The caller keeps ownership of it;
// Close will not touch its transport.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(p *Publisher) {
		p.httpClient = httpClient
		p.ownsClient = false
	}
}

// WithTimeout sets the limit for each backend call. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		p.timeout = timeout
	}
}

// WithBaseURL points a backend at a different instance of its service.
func WithBaseURL(id ID, baseURL string) Option {
	return func(p *Publisher) {
		if id.valid() && baseURL != "" {
			p.backends[id] = newAdapter(id, baseURL)
		}
	}
}

// WithBackend replaces a backend adapter entirely.
func WithBackend(b Backend) Option {
	return func(p *Publisher) {
		if b != nil && b.ID().valid() {
			p.backends[b.ID()] = b
		}
	}
}

// WithLogger sets the logger used for attempt diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithObserver registers a callback invoked after every backend call.
func WithObserver(fn func(Attempt)) Option {
	return func(p *Publisher) {
		p.observer = fn
	}
}

// New creates a Publisher for content with the given options.
func New(content string, opts ...Option) *Publisher {
	p := &Publisher{
		content: content,
		timeout: DefaultTimeout,
		budget:  RetryBudget,
		logger:  slog.Default().With("component", "publisher"),
	}
	p.backends[Dogbin] = newAdapter(Dogbin, DogbinURL)
	p.backends[Nekobin] = newAdapter(Nekobin, NekobinURL)
	p.backends[Hastebin] = newAdapter(Hastebin, HastebinURL)

	for _, opt := range opts {
		opt(p)
	}

	if p.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		p.httpClient = &http.Client{Transport: transport}
		p.ownsClient = true
	}
	return p
}

// Publish runs the failover protocol starting at DefaultBackend.
func (p *Publisher) Publish(ctx context.Context) error {
	return p.PublishFrom(ctx, DefaultBackend)
}

// PublishFrom runs the failover protocol starting at start. On an expected
// failure the next backend in the fixed cycle is tried, until one succeeds or
// the retry budget runs out. A nil error means the protocol completed; use OK
// to see whether anything was published. Unexpected failures stop the
// protocol and are returned.
func (p *Publisher) PublishFrom(ctx context.Context, start ID) error {
	if !start.valid() {
		return &Error{Code: ErrUnknownBackend, Message: "unknown backend: " + start.String()}
	}
	if p.content == "" {
		return &Error{Code: ErrEmptyContent, Message: "content cannot be empty"}
	}

	next := start
	for p.budget > 0 {
		err := p.post(ctx, next)
		if err == nil {
			return nil
		}
		if !IsFailover(err) {
			return err
		}
		p.budget--
		if p.budget > 0 {
			p.logger.Info("backend failed, trying next", "backend", next.String(), "next", next.Next().String(), "retries_left", p.budget)
		}
		next = next.Next()
	}

	p.logger.Warn("retry budget exhausted", "content_len", len(p.content), "attempts", len(p.attempts))
	return nil
}

// PublishVia publishes to the backend named by selector only. There is no
// failover: if that backend fails, nothing else is tried.
func (p *Publisher) PublishVia(ctx context.Context, selector string) error {
	id, err := ParseBackend(selector)
	if err != nil {
		return err
	}
	return p.PublishTo(ctx, id)
}

// PublishTo publishes to backend id only, without failover.
func (p *Publisher) PublishTo(ctx context.Context, id ID) error {
	if !id.valid() {
		return &Error{Code: ErrUnknownBackend, Message: "unknown backend: " + id.String()}
	}
	if p.content == "" {
		return &Error{Code: ErrEmptyContent, Message: "content cannot be empty"}
	}
	err := p.post(ctx, id)
	if IsFailover(err) {
		return nil
	}
	return err
}

// post calls one backend. A backend that already holds a key is not called again.
func (p *Publisher) post(ctx context.Context, id ID) error {
	if p.keys[id] != "" {
		return nil
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	started := time.Now()
	key, err := p.backends[id].Post(callCtx, p.httpClient, p.content)
	if err != nil && ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded && !IsFailover(err) {
		// The per-call deadline fired, not the caller's.
		err = &Error{Code: ErrUnreachable, Backend: id, Message: "request timed out", Err: callCtx.Err()}
	}

	attempt := Attempt{Backend: id, Key: key, Err: err, Duration: time.Since(started)}
	p.attempts = append(p.attempts, attempt)
	if p.observer != nil {
		p.observer(attempt)
	}

	if err != nil {
		p.logger.Debug("publish attempt failed", "backend", id.String(), "error", err, "duration", attempt.Duration)
		return err
	}

	p.keys[id] = key
	p.logger.Debug("published", "backend", id.String(), "key", key, "duration", attempt.Duration)
	return nil
}

// OK reports whether any backend has published the content.
func (p *Publisher) OK() bool {
	_, ok := p.Succeeded()
	return ok
}

// Succeeded returns the backend whose links ViewLink and RawLink resolve to.
func (p *Publisher) Succeeded() (ID, bool) {
	for _, id := range Backends() {
		if p.keys[id] != "" {
			return id, true
		}
	}
	return 0, false
}

// Key returns the document key recorded for id.
func (p *Publisher) Key(id ID) (string, bool) {
	if !id.valid() || p.keys[id] == "" {
		return "", false
	}
	return p.keys[id], true
}

// ViewLink returns the public URL of the published document, or NoLink.
func (p *Publisher) ViewLink() string {
	id, ok := p.Succeeded()
	if !ok {
		return NoLink
	}
	return p.backends[id].BaseURL() + p.keys[id]
}

// RawLink returns the raw-content URL of the published document, or NoLink.
func (p *Publisher) RawLink() string {
	id, ok := p.Succeeded()
	if !ok {
		return NoLink
	}
	return p.backends[id].BaseURL() + rawPath + p.keys[id]
}

// Attempts returns every backend call made so far, in order.
func (p *Publisher) Attempts() []Attempt {
	out := make([]Attempt, len(p.attempts))
	copy(out, p.attempts)
	return out
}

// RetriesLeft returns the remaining retry budget.
func (p *Publisher) RetriesLeft() int {
	return p.budget
}

// Close releases the HTTP session. It is safe to call more than once.
func (p *Publisher) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ownsClient {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}
