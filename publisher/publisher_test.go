package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an httptest server standing in for one paste service.
type fakeBackend struct {
	server *httptest.Server
	calls  atomic.Int32
	last   atomic.Value // string: last request body
}

func newFakeBackend(t *testing.T, handler http.HandlerFunc) *fakeBackend {
	t.Helper()
	f := &fakeBackend{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.last.Store(string(body))
		handler(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) base() string {
	return f.server.URL + "/"
}

func (f *fakeBackend) lastBody() string {
	s, _ := f.last.Load().(string)
	return s
}

func respondKey(status int, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"key": key})
	}
}

func respondResultKey(status int, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":     true,
			"result": map[string]string{"key": key},
		})
	}
}

func respondStatus(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

func fakeOptions(dogbin, nekobin, hastebin *fakeBackend) []Option {
	return []Option{
		WithBaseURL(Dogbin, dogbin.base()),
		WithBaseURL(Nekobin, nekobin.base()),
		WithBaseURL(Hastebin, hastebin.base()),
	}
}

func totalCalls(backends ...*fakeBackend) int32 {
	var n int32
	for _, b := range backends {
		n += b.calls.Load()
	}
	return n
}

func TestPublish_FirstBackendSucceeds(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "abc123"))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("hello world", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))

	assert.True(t, p.OK())
	assert.Equal(t, dogbin.base()+"abc123", p.ViewLink())
	assert.Equal(t, dogbin.base()+"raw/abc123", p.RawLink())
	assert.Equal(t, "hello world", dogbin.lastBody())
	assert.EqualValues(t, 1, dogbin.calls.Load())
	assert.EqualValues(t, 1, totalCalls(dogbin, nekobin, hastebin))
}

func TestPublish_FailsOverToNextBackend(t *testing.T) {
	dogbin := newFakeBackend(t, respondStatus(http.StatusInternalServerError))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "xyz"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("hello world", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))

	assert.True(t, p.OK())
	assert.Equal(t, nekobin.base()+"xyz", p.ViewLink())
	assert.Equal(t, nekobin.base()+"raw/xyz", p.RawLink())
	assert.EqualValues(t, 2, totalCalls(dogbin, nekobin, hastebin))
	assert.Zero(t, hastebin.calls.Load())

	_, ok := p.Key(Dogbin)
	assert.False(t, ok)
	assert.Equal(t, RetryBudget-1, p.RetriesLeft())

	// nekobin takes a JSON payload
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(nekobin.lastBody()), &payload))
	assert.Equal(t, "hello world", payload["content"])
}

func TestPublish_AllBackendsFail(t *testing.T) {
	dogbin := newFakeBackend(t, respondStatus(http.StatusServiceUnavailable))
	nekobin := newFakeBackend(t, respondStatus(http.StatusOK)) // wants 201
	hastebin := newFakeBackend(t, respondStatus(http.StatusBadGateway))

	p := New("hello world", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))

	assert.False(t, p.OK())
	assert.Equal(t, NoLink, p.ViewLink())
	assert.Equal(t, NoLink, p.RawLink())
	assert.Zero(t, p.RetriesLeft())
	assert.EqualValues(t, 1, dogbin.calls.Load())
	assert.EqualValues(t, 1, nekobin.calls.Load())
	assert.EqualValues(t, 1, hastebin.calls.Load())

	attempts := p.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, []ID{Dogbin, Nekobin, Hastebin}, []ID{attempts[0].Backend, attempts[1].Backend, attempts[2].Backend})
	for _, a := range attempts {
		assert.True(t, IsFailover(a.Err), "attempt %s: %v", a.Backend, a.Err)
	}

	// The budget is spent; another call makes no requests.
	require.NoError(t, p.Publish(context.Background()))
	assert.EqualValues(t, 3, totalCalls(dogbin, nekobin, hastebin))
}

func TestPublishFrom_FollowsFixedCycle(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "wrapped"))
	nekobin := newFakeBackend(t, respondStatus(http.StatusInternalServerError))
	hastebin := newFakeBackend(t, respondStatus(http.StatusInternalServerError))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	require.NoError(t, p.PublishFrom(context.Background(), Hastebin))

	assert.True(t, p.OK())
	assert.Equal(t, dogbin.base()+"wrapped", p.ViewLink())
	assert.Zero(t, nekobin.calls.Load())

	attempts := p.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, Hastebin, attempts[0].Backend)
	assert.Equal(t, Dogbin, attempts[1].Backend)
}

func TestPublish_ConnectionRefusedFailsOver(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL + "/"
	dead.Close()

	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "alive"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("content",
		WithBaseURL(Dogbin, deadURL),
		WithBaseURL(Nekobin, nekobin.base()),
		WithBaseURL(Hastebin, hastebin.base()),
	)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))

	assert.Equal(t, nekobin.base()+"alive", p.ViewLink())
	attempts := p.Attempts()
	require.Len(t, attempts, 2)
	assert.True(t, IsUnreachable(attempts[0].Err), "got %v", attempts[0].Err)
}

func TestPublish_TimeoutFailsOver(t *testing.T) {
	dogbin := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "fast"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	opts := append(fakeOptions(dogbin, nekobin, hastebin), WithTimeout(50*time.Millisecond))
	p := New("content", opts...)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))

	assert.Equal(t, nekobin.base()+"fast", p.ViewLink())
	attempts := p.Attempts()
	require.Len(t, attempts, 2)
	assert.True(t, IsUnreachable(attempts[0].Err), "got %v", attempts[0].Err)
}

func TestPublish_MalformedResponseAborts(t *testing.T) {
	dogbin := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>not json</html>"))
	})
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	err := p.Publish(context.Background())
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ErrMalformedResponse, perr.Code)
	assert.Equal(t, Dogbin, perr.Backend)
	assert.False(t, p.OK())
	assert.Zero(t, nekobin.calls.Load())
	assert.Zero(t, hastebin.calls.Load())
}

func TestPublish_MissingKeyIsMalformed(t *testing.T) {
	dogbin := newFakeBackend(t, respondStatus(http.StatusInternalServerError))
	nekobin := newFakeBackend(t, respondKey(http.StatusCreated, "top-level-only"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	err := p.Publish(context.Background())
	require.Error(t, err)
	assert.False(t, IsFailover(err))
	assert.Zero(t, hastebin.calls.Load())
}

func TestPublish_CancelledContext(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, p.OK())
	assert.Len(t, p.Attempts(), 1)

	// Logged with %+v by slog; must stay a single line with no stack trace.
	assert.Equal(t, err.Error(), fmt.Sprintf("%+v", err))
	assert.Equal(t, "dogbin: publish aborted: context canceled", err.Error())
}

func TestPublish_EmptyContent(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	err := p.Publish(context.Background())
	require.Error(t, err)
	assert.True(t, hasCode(err, ErrEmptyContent))
	assert.False(t, p.OK())
	assert.Zero(t, totalCalls(dogbin, nekobin, hastebin))
}

func TestPublishVia_NeverFailsOver(t *testing.T) {
	dogbin := newFakeBackend(t, respondStatus(http.StatusInternalServerError))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	require.NoError(t, p.PublishVia(context.Background(), "-d"))

	assert.False(t, p.OK())
	assert.EqualValues(t, 1, dogbin.calls.Load())
	assert.EqualValues(t, 1, totalCalls(dogbin, nekobin, hastebin))
	assert.Equal(t, RetryBudget, p.RetriesLeft())
}

func TestPublishVia_PinnedBackendSucceeds(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "haste"))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	require.NoError(t, p.PublishVia(context.Background(), "-h"))

	assert.Equal(t, hastebin.base()+"haste", p.ViewLink())
	assert.Equal(t, hastebin.base()+"raw/haste", p.RawLink())
	assert.EqualValues(t, 1, totalCalls(dogbin, nekobin, hastebin))
}

func TestPublishVia_UnknownBackend(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	err := p.PublishVia(context.Background(), "-x")
	require.Error(t, err)
	assert.True(t, IsUnknownBackend(err))
	assert.Zero(t, totalCalls(dogbin, nekobin, hastebin))
}

func TestPublish_SucceededBackendIsNotCalledAgain(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "once"))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	p := New("content", fakeOptions(dogbin, nekobin, hastebin)...)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))
	require.NoError(t, p.PublishVia(context.Background(), "dogbin"))
	require.NoError(t, p.Publish(context.Background()))

	assert.EqualValues(t, 1, dogbin.calls.Load())
	assert.Len(t, p.Attempts(), 1)
	key, ok := p.Key(Dogbin)
	assert.True(t, ok)
	assert.Equal(t, "once", key)
}

func TestLinks_ResolveInPriorityOrder(t *testing.T) {
	p := New("content")
	defer p.Close()

	assert.False(t, p.OK())
	assert.Equal(t, NoLink, p.ViewLink())

	p.keys[Hastebin] = "ccc"
	assert.Equal(t, HastebinURL+"ccc", p.ViewLink())

	p.keys[Nekobin] = "bbb"
	assert.Equal(t, NekobinURL+"bbb", p.ViewLink())
	assert.Equal(t, NekobinURL+"raw/bbb", p.RawLink())

	p.keys[Dogbin] = "aaa"
	id, ok := p.Succeeded()
	assert.True(t, ok)
	assert.Equal(t, Dogbin, id)
	assert.Equal(t, DogbinURL+"aaa", p.ViewLink())
}

func TestPublishers_DoNotShareState(t *testing.T) {
	dogbin := newFakeBackend(t, respondKey(http.StatusOK, "first"))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "unused"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	first := New("one", fakeOptions(dogbin, nekobin, hastebin)...)
	defer first.Close()
	require.NoError(t, first.Publish(context.Background()))

	second := New("two", fakeOptions(dogbin, nekobin, hastebin)...)
	defer second.Close()

	assert.True(t, first.OK())
	assert.False(t, second.OK())
	assert.Equal(t, RetryBudget, second.RetriesLeft())
	assert.Empty(t, second.Attempts())
}

func TestWithObserver(t *testing.T) {
	dogbin := newFakeBackend(t, respondStatus(http.StatusTeapot))
	nekobin := newFakeBackend(t, respondResultKey(http.StatusCreated, "seen"))
	hastebin := newFakeBackend(t, respondKey(http.StatusOK, "unused"))

	var seen []Attempt
	opts := append(fakeOptions(dogbin, nekobin, hastebin), WithObserver(func(a Attempt) {
		seen = append(seen, a)
	}))
	p := New("content", opts...)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background()))

	require.Len(t, seen, 2)
	assert.Equal(t, Dogbin, seen[0].Backend)
	assert.Error(t, seen[0].Err)
	assert.Equal(t, Nekobin, seen[1].Backend)
	assert.Equal(t, "seen", seen[1].Key)
	assert.NoError(t, seen[1].Err)
}

func TestClose_Idempotent(t *testing.T) {
	p := New("content")
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
