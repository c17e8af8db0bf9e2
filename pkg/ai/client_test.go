package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyline-server/internal/models"
)

const validContinuation = `{"description":"The gate opens.","choices":[{"text":"Enter","synopsis":"Into the dark"}]}`

// scriptedBackend возвращает заранее заданные результаты по порядку.
type scriptedBackend struct {
	mu      sync.Mutex
	results []error
	text    string
	calls   int
	pullErr error
}

func (b *scriptedBackend) Name() string  { return "fake" }
func (b *scriptedBackend) Model() string { return "fake-model" }

func (b *scriptedBackend) Pull(context.Context) error { return b.pullErr }

func (b *scriptedBackend) Generate(ctx context.Context, _ GenerateRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.results) > 0 {
		err := b.results[0]
		b.results = b.results[1:]
		if err != nil {
			return "", err
		}
	}
	return b.text, nil
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newTestClient(b Backend, attempts int) *Client {
	return NewClient(b, Config{
		MaxAttempts:       attempts,
		RetryDelay:        time.Millisecond,
		Choices:           3,
		DefaultTotalSteps: 8,
	}, zap.NewNop())
}

func TestFetchResponse_RetriesTransientErrors(t *testing.T) {
	backend := &scriptedBackend{
		results: []error{api.StatusError{StatusCode: http.StatusServiceUnavailable}, &net.OpError{Op: "dial", Err: errors.New("refused")}},
		text:    validContinuation,
	}
	c := newTestClient(backend, 3)

	text, err := c.FetchResponse(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, validContinuation, text)
	assert.Equal(t, 3, backend.Calls())
}

func TestFetchResponse_TerminalErrorAfterBound(t *testing.T) {
	transient := api.StatusError{StatusCode: http.StatusBadGateway}
	backend := &scriptedBackend{results: []error{transient, transient, transient, nil}, text: validContinuation}
	c := newTestClient(backend, 3)

	_, err := c.FetchResponse(context.Background(), "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
	assert.Equal(t, 3, backend.Calls(), "no fourth attempt")
}

func TestFetchResponse_NonTransientIsNotRetried(t *testing.T) {
	backend := &scriptedBackend{results: []error{api.StatusError{StatusCode: http.StatusBadRequest}}}
	c := newTestClient(backend, 5)

	_, err := c.FetchResponse(context.Background(), "prompt")
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
	assert.Equal(t, 1, backend.Calls())
}

func TestFetchResponse_ContextCancelStopsWaiting(t *testing.T) {
	backend := &scriptedBackend{results: []error{api.StatusError{StatusCode: http.StatusServiceUnavailable}}}
	c := NewClient(backend, Config{MaxAttempts: 3, RetryDelay: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.FetchResponse(ctx, "prompt")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, backend.Calls())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"incomplete stream", errIncompleteStream, true},
		{"too large", errResponseTooLarge, false},
		{"ollama 500", api.StatusError{StatusCode: 500}, true},
		{"ollama 429", api.StatusError{StatusCode: 429}, true},
		{"ollama 404", api.StatusError{StatusCode: 404}, false},
		{"url error", &url.Error{Op: "Post", URL: "http://x", Err: errors.New("eof")}, true},
		{"wrapped net error", fmt.Errorf("call: %w", &net.OpError{Op: "read", Err: errors.New("reset")}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestGenerateNextStep_ReadinessGate(t *testing.T) {
	backend := &scriptedBackend{text: validContinuation}
	c := newTestClient(backend, 1)
	s := &models.Storyline{ID: 1, Title: "Gate", Steps: []models.Step{}}

	_, err := c.GenerateNextStep(context.Background(), s)
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
	assert.Zero(t, backend.Calls(), "unready client never calls the backend")

	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, c.IsReady())

	cont, err := c.GenerateNextStep(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "The gate opens.", cont.Description)
	require.Len(t, cont.Choices, 1)
}

func TestInitialize_FailureKeepsClientUnready(t *testing.T) {
	c := newTestClient(&scriptedBackend{pullErr: errors.New("pull failed")}, 1)

	assert.Error(t, c.Initialize(context.Background()))
	assert.False(t, c.IsReady())
}

func TestGenerateNextStep_MalformedResponse(t *testing.T) {
	c := newTestClient(&scriptedBackend{text: "Once upon a time..."}, 1)
	c.MarkReady()

	_, err := c.GenerateNextStep(context.Background(), &models.Storyline{Title: "x"})
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
	assert.ErrorIs(t, err, models.ErrMalformedResponse)
}

// ndjsonServer отдает строки NDJSON и держит соединение открытым до конца теста.
func ndjsonServer(t *testing.T, status int, lines ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if status >= http.StatusBadRequest {
			return
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv, &hits
}

func newOllamaForTest(t *testing.T, rawURL string) *OllamaBackend {
	t.Helper()
	base, err := url.Parse(rawURL)
	require.NoError(t, err)
	return NewOllamaBackend(base, "llama3.2", &http.Client{})
}

func TestOllamaBackend_StreamStopsOnDone(t *testing.T) {
	srv, _ := ndjsonServer(t, http.StatusOK,
		`{"model":"llama3.2","response":"{\"description\":\"The gate opens.\",","done":false}`,
		`{"model":"llama3.2","response":"\"choices\":[{\"text\":\"Enter\",\"synopsis\":\"Into the dark\"}]}","done":false}`,
		`{"model":"llama3.2","response":"","done":true}`,
	)
	b := newOllamaForTest(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := b.Generate(ctx, GenerateRequest{Prompt: "p", Stream: true})
	require.NoError(t, err, "read loop must end on done while the server keeps the connection open")
	assert.JSONEq(t, validContinuation, text)
}

func TestOllamaBackend_IncompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"llama3.2","response":"{\"description\":","done":false}`)
	}))
	defer srv.Close()
	b := newOllamaForTest(t, srv.URL)

	_, err := b.Generate(context.Background(), GenerateRequest{Prompt: "p", Stream: true})
	assert.ErrorIs(t, err, errIncompleteStream)
	assert.True(t, isTransient(err))
}

func TestOllamaBackend_ResponseSizeLimit(t *testing.T) {
	srv, _ := ndjsonServer(t, http.StatusOK,
		`{"model":"llama3.2","response":"0123456789","done":false}`,
		`{"model":"llama3.2","response":"0123456789","done":true}`,
	)
	b := newOllamaForTest(t, srv.URL)

	_, err := b.Generate(context.Background(), GenerateRequest{Prompt: "p", Stream: true, MaxBytes: 15})
	assert.ErrorIs(t, err, errResponseTooLarge)
}

func TestClient_OllamaServerErrorsAreRetried(t *testing.T) {
	srv, hits := ndjsonServer(t, http.StatusServiceUnavailable, `{}`)
	c := newTestClient(newOllamaForTest(t, srv.URL), 3)

	_, err := c.FetchResponse(context.Background(), "p")
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
	var statusErr api.StatusError
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}
