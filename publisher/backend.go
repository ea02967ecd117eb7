package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ID identifies one of the supported paste backends.
type ID int

const (
	Dogbin ID = iota
	Nekobin
	Hastebin

	numBackends = 3
)

// DefaultBackend is where failover starts when the caller does not pick one.
const DefaultBackend = Dogbin

// Default base URLs. All of them end with a slash; document keys are appended directly.
const (
	DogbinURL   = "https://del.dog/"
	NekobinURL  = "https://nekobin.com/"
	HastebinURL = "https://hastebin.com/"
)

var backendNames = [numBackends]string{"dogbin", "nekobin", "hastebin"}

// String returns the backend's service name.
func (id ID) String() string {
	if !id.valid() {
		return "unknown"
	}
	return backendNames[id]
}

// Flag returns the short command-line selector for the backend.
func (id ID) Flag() string {
	if !id.valid() {
		return ""
	}
	return "-" + backendNames[id][:1]
}

// Next returns the backend tried after id fails. The order is fixed:
// dogbin, nekobin, hastebin, then back to dogbin.
func (id ID) Next() ID {
	return (id + 1) % numBackends
}

func (id ID) valid() bool {
	return id >= 0 && id < numBackends
}

// Backends returns every backend in resolution priority order.
func Backends() []ID {
	return []ID{Dogbin, Nekobin, Hastebin}
}

// ParseBackend maps a selector to a backend. It accepts the flag form ("-d"),
// the bare letter ("d") and the service name ("dogbin").
func ParseBackend(s string) (ID, error) {
	sel := strings.ToLower(strings.TrimSpace(s))
	sel = strings.TrimPrefix(sel, "-")
	for _, id := range Backends() {
		name := backendNames[id]
		if sel == name || sel == name[:1] {
			return id, nil
		}
	}
	return 0, &Error{Code: ErrUnknownBackend, Message: "unknown backend: " + s}
}

// Backend translates "publish this content" into one service's wire call.
type Backend interface {
	ID() ID
	// BaseURL is the prefix for view links. It always ends with a slash.
	BaseURL() string
	// Post uploads content and returns the document key assigned by the service.
	// Failures are returned as *Error values classified by code.
	Post(ctx context.Context, hc *http.Client, content string) (string, error)
}

type requestShape int

const (
	rawBody requestShape = iota
	jsonBody
)

// adapter is the shared implementation behind all three backends; they differ
// only in endpoint, request shape, success status and where the key lives.
type adapter struct {
	id            ID
	baseURL       string
	endpoint      string
	shape         requestShape
	successStatus int
	decodeKey     func(body []byte) (string, error)
}

func newAdapter(id ID, baseURL string) *adapter {
	a := &adapter{id: id, baseURL: normalizeBaseURL(baseURL)}
	switch id {
	case Dogbin:
		a.endpoint = "documents"
		a.shape = rawBody
		a.successStatus = http.StatusOK
		a.decodeKey = decodeTopLevelKey
	case Nekobin:
		a.endpoint = "api/documents"
		a.shape = jsonBody
		a.successStatus = http.StatusCreated
		a.decodeKey = decodeResultKey
	case Hastebin:
		a.endpoint = "documents"
		a.shape = rawBody
		a.successStatus = http.StatusOK
		a.decodeKey = decodeTopLevelKey
	}
	return a
}

func (a *adapter) ID() ID          { return a.id }
func (a *adapter) BaseURL() string { return a.baseURL }

func (a *adapter) Post(ctx context.Context, hc *http.Client, content string) (string, error) {
	req, err := a.newRequest(ctx, content)
	if err != nil {
		return "", &Error{Code: ErrTransport, Backend: a.id, Message: "creating request", Err: err}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, a.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Code: ErrTransport, Backend: a.id, Message: "reading response", Err: err}
	}

	if resp.StatusCode != a.successStatus {
		return "", &Error{
			Code:    ErrBadStatus,
			Backend: a.id,
			Status:  resp.StatusCode,
			Message: "unexpected status " + http.StatusText(resp.StatusCode),
		}
	}

	key, err := a.decodeKey(body)
	if err != nil {
		return "", &Error{Code: ErrMalformedResponse, Backend: a.id, Status: resp.StatusCode, Message: "decoding response", Err: err}
	}
	return key, nil
}

func (a *adapter) newRequest(ctx context.Context, content string) (*http.Request, error) {
	endpoint := a.baseURL + a.endpoint
	switch a.shape {
	case jsonBody:
		payload, err := json.Marshal(struct {
			Content string `json:"content"`
		}{content})
		if err != nil {
			return nil, errors.Wrap(err, "encoding payload")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	default:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(content))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		return req, nil
	}
}

// decodeTopLevelKey reads {"key": "..."}.
func decodeTopLevelKey(body []byte) (string, error) {
	var res struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", errors.Wrap(err, "invalid json")
	}
	if res.Key == "" {
		return "", errors.New("response has no key")
	}
	return res.Key, nil
}

// decodeResultKey reads {"result": {"key": "..."}}.
func decodeResultKey(body []byte) (string, error) {
	var res struct {
		Result *struct {
			Key string `json:"key"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", errors.Wrap(err, "invalid json")
	}
	if res.Result == nil || res.Result.Key == "" {
		return "", errors.New("response has no result.key")
	}
	return res.Result.Key, nil
}

func normalizeBaseURL(u string) string {
	if !strings.HasSuffix(u, "/") {
		return u + "/"
	}
	return u
}
