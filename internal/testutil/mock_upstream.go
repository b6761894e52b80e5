// Package testutil provides a scripted mock of the upstream report API.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Request is what the mock understood of an incoming query.
type Request struct {
	Entity   string
	Cursor   string
	PageSize int
	Header   http.Header
}

// MockUpstream is a configurable mock of the querydata endpoint. Responses
// are scripted per (entity, cursor); the cursor is the compact JSON of the
// request's restart tokens, "" for the first page.
type MockUpstream struct {
	server  *httptest.Server
	mu      sync.Mutex
	scripts map[string][]MockResponse
	handler func(w http.ResponseWriter, r *http.Request, req Request)

	requests  []Request
	perEntity map[string]int
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		scripts:   make(map[string][]MockResponse),
		perEntity: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := ParseRequest(body)
		req.Header = r.Header.Clone()

		mock.mu.Lock()
		mock.requests = append(mock.requests, req)
		mock.perEntity[req.Entity]++
		handler := mock.handler
		resp, ok := mock.next(req.Entity, req.Cursor)
		mock.mu.Unlock()

		if handler != nil {
			handler(w, r, req)
			return
		}
		if !ok {
			resp = MockResponse{StatusCode: http.StatusNotFound, Body: `{"error": "no scripted response"}`}
		}
		writeResponse(w, resp)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.perEntity = make(map[string]int)
}

// SetHandler replaces scripted responses with a custom handler.
func (m *MockUpstream) SetHandler(handler func(w http.ResponseWriter, r *http.Request, req Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// SetResponse scripts the response for an entity and cursor. Several
// responses are served in order; the last one repeats.
func (m *MockUpstream) SetResponse(entity, cursor string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[scriptKey(entity, cursor)] = resps
}

// RequestCount returns the number of requests received.
func (m *MockUpstream) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// RequestCountFor returns the number of requests received for an entity.
func (m *MockUpstream) RequestCountFor(entity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perEntity[entity]
}

// Requests returns a copy of every request received.
func (m *MockUpstream) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockUpstream) next(entity, cursor string) (MockResponse, bool) {
	key := scriptKey(entity, cursor)
	script, ok := m.scripts[key]
	if !ok || len(script) == 0 {
		return MockResponse{}, false
	}
	resp := script[0]
	if len(script) > 1 {
		m.scripts[key] = script[1:]
	}
	return resp, true
}

func scriptKey(entity, cursor string) string {
	return entity + "\x00" + cursor
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// ParseRequest extracts the entity filter, restart tokens and window size
// from a querydata body. Unknown shapes yield a zero Request.
func ParseRequest(body []byte) Request {
	var q struct {
		Queries []struct {
			Query struct {
				Commands []struct {
					Cmd struct {
						Query struct {
							Where []struct {
								Condition struct {
									In struct {
										Values [][]struct {
											Literal struct {
												Value string `json:"Value"`
											} `json:"Literal"`
										} `json:"Values"`
									} `json:"In"`
								} `json:"Condition"`
							} `json:"Where"`
						} `json:"Query"`
						Binding struct {
							DataReduction struct {
								Primary struct {
									Window struct {
										Count         int             `json:"Count"`
										RestartTokens json.RawMessage `json:"RestartTokens"`
									} `json:"Window"`
								} `json:"Primary"`
							} `json:"DataReduction"`
						} `json:"Binding"`
					} `json:"SemanticQueryDataShapeCommand"`
				} `json:"Commands"`
			} `json:"Query"`
		} `json:"queries"`
	}
	if err := json.Unmarshal(body, &q); err != nil || len(q.Queries) == 0 || len(q.Queries[0].Query.Commands) == 0 {
		return Request{}
	}

	cmd := q.Queries[0].Query.Commands[0].Cmd
	var req Request
	if len(cmd.Query.Where) > 0 && len(cmd.Query.Where[0].Condition.In.Values) > 0 && len(cmd.Query.Where[0].Condition.In.Values[0]) > 0 {
		lit := cmd.Query.Where[0].Condition.In.Values[0][0].Literal.Value
		req.Entity = strings.ReplaceAll(strings.TrimSuffix(strings.TrimPrefix(lit, "'"), "'"), "''", "'")
	}
	window := cmd.Binding.DataReduction.Primary.Window
	req.PageSize = window.Count
	if len(window.RestartTokens) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, window.RestartTokens); err == nil {
			req.Cursor = buf.String()
		}
	}
	return req
}

// ColumnarBody renders a {columns, rows, cursor} response body. An empty
// cursor is omitted.
func ColumnarBody(columns []string, rows [][]any, cursor string) string {
	if rows == nil {
		rows = [][]any{}
	}
	env := map[string]any{"columns": columns, "rows": rows}
	if cursor != "" {
		env["cursor"] = json.RawMessage(cursor)
	}
	b, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// NewPageResponse creates a 200 OK columnar page.
func NewPageResponse(columns []string, rows [][]any, cursor string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       ColumnarBody(columns, rows, cursor),
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
	}
	if retryAfter > 0 {
		resp.Headers = map[string]string{"Retry-After": strconv.Itoa(int(retryAfter.Seconds()))}
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error": "Bad request"}`,
	}
}
