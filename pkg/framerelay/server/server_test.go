package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/message"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y/o11ytest"
	"go.uber.org/zap/zaptest"
)

const appOrigin = "https://app.example.com"

type harness struct {
	server  *Server
	window  *channel.LocalWindow
	app     *channel.LocalWindow
	replies chan message.Message
}

func newHarness(t *testing.T, baseURL string, configure func(*ServerBuilder)) *harness {
	t.Helper()

	h := &harness{
		window:  channel.NewLocalWindow("https://relay.example.com"),
		app:     channel.NewLocalWindow(appOrigin),
		replies: make(chan message.Message, 16),
	}
	t.Cleanup(h.window.Close)
	t.Cleanup(h.app.Close)

	h.app.AddListener(func(ev channel.Event) {
		msg, err := message.Decode(ev.Data)
		if err == nil {
			h.replies <- msg
		}
	})

	builder := NewServer().
		WithLogger(zaptest.NewLogger(t)).
		WithWindow(h.window).
		WithBaseURL(baseURL).
		WithServerID("relay-test")
	if configure != nil {
		configure(builder)
	}

	s, err := builder.Build()
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	h.server = s

	return h
}

func (h *harness) send(t *testing.T, m message.Message) {
	t.Helper()
	h.sendFrom(t, h.app, m)
}

func (h *harness) sendFrom(t *testing.T, source channel.Window, m message.Message) {
	t.Helper()
	data, err := message.Encode(m)
	require.NoError(t, err)
	require.NoError(t, h.window.PostMessage(data, "*", source))
}

func (h *harness) next(t *testing.T) message.Message {
	t.Helper()
	select {
	case m := <-h.replies:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no reply received")
		return nil
	}
}

func (h *harness) expectNoReply(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-h.replies:
		t.Fatalf("unexpected reply %s for %s", m.Kind(), m.ID())
	case <-time.After(wait):
	}
}

func relayRequest(id, target string) *message.Request {
	return &message.Request{
		CorrelationID: id,
		Target:        target,
		Payload:       json.RawMessage(`{"method":"getCommunity","userId":"u1","communityId":"c1"}`),
		Timestamp:     message.Now(),
	}
}

// recordedCall is what a test backend saw.
type recordedCall struct {
	method string
	path   string
	header http.Header
	body   string
}

func newBackend(t *testing.T, status int, body string) (*httptest.Server, chan recordedCall) {
	t.Helper()

	calls := make(chan recordedCall, 16)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		calls <- recordedCall{method: r.Method, path: r.URL.EscapedPath(), header: r.Header.Clone(), body: string(data)}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(backend.Close)

	return backend, calls
}

func TestServerBuilderValidation(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*ServerBuilder)
		wantErr   string
	}{
		{"missing base URL", func(b *ServerBuilder) { b.WithBaseURL("") }, "base URL is required"},
		{"relative base URL", func(b *ServerBuilder) { b.WithBaseURL("/api") }, "scheme must be http or https"},
		{"timeout below floor", func(b *ServerBuilder) { b.WithTimeout(500 * time.Millisecond) }, "below"},
		{"empty header name", func(b *ServerBuilder) { b.WithHeader(" ", "x") }, "header name"},
		{"bad jq filter", func(b *ServerBuilder) {
			b.WithRoute(Route{Pattern: "a/b", Path: "/a", Filter: ".[["})
		}, "invalid route"},
		{"route without path", func(b *ServerBuilder) { b.WithRoute(Route{Pattern: "a/b"}) }, "path is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window := channel.NewLocalWindow("o")
			defer window.Close()

			b := NewServer().WithWindow(window).WithBaseURL("https://api.example.com")
			tt.configure(b)

			s, err := b.Build()
			require.Error(t, err)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, framerelay.ErrInitialization)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, 0, window.ListenerCount())
		})
	}

	t.Run("missing window", func(t *testing.T) {
		_, err := NewServer().WithBaseURL("https://api.example.com").Build()
		assert.ErrorIs(t, err, framerelay.ErrInitialization)
	})

	t.Run("generated server id", func(t *testing.T) {
		window := channel.NewLocalWindow("o")
		defer window.Close()

		s, err := NewServer().WithWindow(window).WithBaseURL("https://api.example.com").Build()
		require.NoError(t, err)
		defer s.Dispose()

		assert.True(t, strings.HasPrefix(s.ServerID(), "relay-server-"))
		assert.Equal(t, 1, window.ListenerCount())
	})
}

func TestRelaySuccess(t *testing.T) {
	backend, calls := newBackend(t, http.StatusOK, `{"data":{"id":"c1","name":"Gardeners"}}`)
	h := newHarness(t, backend.URL+"/", func(b *ServerBuilder) {
		b.WithHeader("Authorization", "Bearer server-token").
			WithHeaders(map[string]string{"X-Tenant": "default"})
	})

	req := relayRequest("relay_1_a", "community/get")
	req.Headers = map[string]string{"X-Tenant": "acme"}
	h.send(t, req)

	reply := h.next(t)
	resp, ok := reply.(*message.Response)
	require.True(t, ok, "expected RELAY_RESPONSE, got %s", reply.Kind())
	assert.Equal(t, "relay_1_a", resp.CorrelationID)
	assert.True(t, resp.Result.Success)
	assert.JSONEq(t, `{"id":"c1","name":"Gardeners"}`, string(resp.Result.Data))
	assert.NotZero(t, resp.Timestamp)

	call := <-calls
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/community/get", call.path)
	assert.JSONEq(t, string(req.Payload), call.body)
	assert.Equal(t, "Bearer server-token", call.header.Get("Authorization"))
	assert.Equal(t, "acme", call.header.Get("X-Tenant"))
	assert.Equal(t, "application/json", call.header.Get("Content-Type"))
	assert.Equal(t, "relay_1_a", call.header.Get(CorrelationHeader))

	status := h.server.Status()
	assert.Equal(t, int64(1), status.RequestCount)
	assert.Equal(t, int64(0), status.ErrorCount)
	assert.True(t, status.Running)
	assert.False(t, status.LastRequestTime.IsZero())
}

func TestRelayBodyInterpretation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		success  bool
		data     string
		errorMsg string
	}{
		{"whole body without data field", `{"id":"c1"}`, true, `{"id":"c1"}`, ""},
		{"array body", `[1,2,3]`, true, `[1,2,3]`, ""},
		{"empty body", ``, true, `null`, ""},
		{"error field", `{"error":"community not found"}`, false, "", "community not found"},
		{"error object", `{"error":{"code":404,"message":"gone"}}`, false, "", "gone"},
		{"null error", `{"error":null,"data":{"ok":true}}`, true, `{"ok":true}`, ""},
		{"empty error", `{"error":"","data":1}`, true, `1`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, _ := newBackend(t, http.StatusOK, tt.body)
			h := newHarness(t, backend.URL, nil)

			h.send(t, relayRequest("relay_1_b", "community/get"))

			resp, ok := h.next(t).(*message.Response)
			require.True(t, ok)
			assert.Equal(t, tt.success, resp.Result.Success)
			if tt.success {
				assert.JSONEq(t, tt.data, string(resp.Result.Data))
			} else {
				assert.Equal(t, tt.errorMsg, resp.Result.Error)
			}
			assert.Equal(t, int64(0), h.server.Status().ErrorCount)
		})
	}
}

func TestRelayBackendFailures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		backend, _ := newBackend(t, http.StatusBadGateway, `{"error":"upstream down"}`)
		h := newHarness(t, backend.URL, nil)

		h.send(t, relayRequest("relay_1_c", "community/get"))

		reply, ok := h.next(t).(*message.ErrorReply)
		require.True(t, ok)
		assert.Equal(t, "relay_1_c", reply.CorrelationID)
		assert.Equal(t, "relay_1_c", reply.OriginalCorrelationID)
		assert.Equal(t, "NetworkError", reply.ErrorKind)
		assert.Contains(t, reply.Error, "502")
		assert.Contains(t, reply.Error, "upstream down")
		assert.Equal(t, int64(1), h.server.Status().ErrorCount)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		backend, _ := newBackend(t, http.StatusOK, `<html>oops</html>`)
		h := newHarness(t, backend.URL, nil)

		h.send(t, relayRequest("relay_1_d", "community/get"))

		reply, ok := h.next(t).(*message.ErrorReply)
		require.True(t, ok)
		assert.Equal(t, "InvalidResponse", reply.ErrorKind)
	})

	t.Run("unreachable backend", func(t *testing.T) {
		backend := httptest.NewServer(http.NotFoundHandler())
		url := backend.URL
		backend.Close()

		h := newHarness(t, url, nil)
		h.send(t, relayRequest("relay_1_e", "community/get"))

		reply, ok := h.next(t).(*message.ErrorReply)
		require.True(t, ok)
		assert.Equal(t, "NetworkError", reply.ErrorKind)
		assert.Contains(t, reply.Error, "backend request failed")
	})

	t.Run("timeout", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer backend.Close()

		h := newHarness(t, backend.URL, func(b *ServerBuilder) {
			b.WithTimeout(framerelay.MinServerTimeout)
		})

		start := time.Now()
		h.send(t, relayRequest("relay_1_f", "community/get"))

		reply, ok := h.next(t).(*message.ErrorReply)
		require.True(t, ok)
		assert.Equal(t, "Timeout", reply.ErrorKind)
		assert.GreaterOrEqual(t, time.Since(start), framerelay.MinServerTimeout)
	})

	t.Run("panic in transport", func(t *testing.T) {
		h := newHarness(t, "https://api.example.com", func(b *ServerBuilder) {
			b.WithHTTPClient(&http.Client{Transport: panicTransport{}})
		})

		h.send(t, relayRequest("relay_1_g", "community/get"))

		reply, ok := h.next(t).(*message.ErrorReply)
		require.True(t, ok)
		assert.Equal(t, "UnknownError", reply.ErrorKind)
		assert.Contains(t, reply.Error, "internal relay error")

		h.send(t, &message.Init{CorrelationID: "relay_1_h", Config: message.InitConfig{BaseURL: "https://api.example.com"}})
		_, ok = h.next(t).(*message.Ready)
		assert.True(t, ok, "server keeps serving after a panic")
	})

	t.Run("oversized body", func(t *testing.T) {
		backend, _ := newBackend(t, http.StatusOK, `{"data":"0123456789abcdefghij"}`)
		h := newHarness(t, backend.URL, func(b *ServerBuilder) {
			b.WithMaxResponseBody(16)
		})

		h.send(t, relayRequest("relay_1_r", "community/get"))

		reply, ok := h.next(t).(*message.ErrorReply)
		require.True(t, ok)
		assert.Equal(t, "InvalidResponse", reply.ErrorKind)
		assert.Contains(t, reply.Error, "backend response exceeds 16 bytes")
	})

	t.Run("body at limit", func(t *testing.T) {
		body := `{"data":"abc"}`
		backend, _ := newBackend(t, http.StatusOK, body)
		h := newHarness(t, backend.URL, func(b *ServerBuilder) {
			b.WithMaxResponseBody(int64(len(body)))
		})

		h.send(t, relayRequest("relay_1_s", "community/get"))

		resp, ok := h.next(t).(*message.Response)
		require.True(t, ok)
		assert.True(t, resp.Result.Success)
		assert.JSONEq(t, `"abc"`, string(resp.Result.Data))
	})
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestRelayRoutes(t *testing.T) {
	backend, calls := newBackend(t, http.StatusOK, `{"data":{"members":[{"name":"ann","role":"admin"},{"name":"bob","role":"member"}]}}`)
	h := newHarness(t, backend.URL+"/api/v1", func(b *ServerBuilder) {
		b.WithRoute(Route{
			Pattern: "community/+communityId/members",
			Method:  "get",
			Path:    "/communities/{communityId}/members",
			Filter:  `[.members[] | select(.role == "admin") | .name]`,
		})
	})

	h.send(t, relayRequest("relay_1_i", "community/c 42/members"))

	resp, ok := h.next(t).(*message.Response)
	require.True(t, ok)
	assert.JSONEq(t, `["ann"]`, string(resp.Result.Data))

	call := <-calls
	assert.Equal(t, http.MethodGet, call.method)
	assert.Equal(t, "/api/v1/communities/c%2042/members", call.path)
}

func TestRelayOriginPolicy(t *testing.T) {
	backend, calls := newBackend(t, http.StatusOK, `{"data":true}`)
	h := newHarness(t, backend.URL, func(b *ServerBuilder) {
		b.WithAllowedOrigins(appOrigin)
	})

	h.send(t, relayRequest("relay_1_j", "community/get"))
	_, ok := h.next(t).(*message.Response)
	assert.True(t, ok)

	intruder := channel.NewLocalWindow("https://evil.example.com")
	defer intruder.Close()
	intruderReplies := make(chan message.Message, 1)
	intruder.AddListener(func(ev channel.Event) {
		if msg, err := message.Decode(ev.Data); err == nil {
			intruderReplies <- msg
		}
	})

	h.sendFrom(t, intruder, relayRequest("relay_1_k", "community/get"))

	select {
	case m := <-intruderReplies:
		reply, ok := m.(*message.ErrorReply)
		require.True(t, ok)
		assert.Equal(t, "PermissionDenied", reply.ErrorKind)
		assert.Equal(t, "relay_1_k", reply.CorrelationID)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply to rejected origin")
	}

	assert.Len(t, calls, 1)
}

func TestRelayIgnoresMalformedMessages(t *testing.T) {
	backend, calls := newBackend(t, http.StatusOK, `{}`)
	provider := o11ytest.NewProvider()
	h := newHarness(t, backend.URL, func(b *ServerBuilder) {
		b.WithMetricsProvider(provider)
	})

	for _, raw := range []string{
		`garbage`,
		`{"kind":"RELAY_REQUEST","correlationId":"x","payload":{}}`,
		`{"kind":"RELAY_REQUEST","correlationId":"","target":"t","payload":{}}`,
		`{"kind":"RELAY_REQUEST","correlationId":"x","target":"t","payload":"string"}`,
		`{"source":"react-devtools"}`,
	} {
		require.NoError(t, h.window.PostMessage([]byte(raw), "*", h.app))
	}

	h.expectNoReply(t, 150*time.Millisecond)
	assert.Empty(t, calls)
	assert.Equal(t, int64(0), h.server.Status().RequestCount)
	assert.Equal(t, int64(5), provider.CounterNamed("relay_server_messages_dropped_total").Value())
}

func TestRelayHandshake(t *testing.T) {
	h := newHarness(t, "https://api.example.com", nil)

	h.send(t, &message.Init{
		CorrelationID: "relay_1_l",
		Config:        message.InitConfig{BaseURL: "https://other.example.com", Timeout: 5000},
	})

	ready, ok := h.next(t).(*message.Ready)
	require.True(t, ok)
	assert.Equal(t, "relay_1_l", ready.CorrelationID)
	assert.Equal(t, "relay-test", ready.ServerID)
	assert.Equal(t, "https://api.example.com", h.server.Status().BaseURL)
}

func TestRelayConcurrentRequests(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "slow") {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = io.WriteString(w, `{"data":"`+strings.TrimPrefix(r.URL.Path, "/")+`"}`)
	}))
	defer backend.Close()

	h := newHarness(t, backend.URL, nil)

	h.send(t, relayRequest("relay_1_slow", "slow"))
	h.send(t, relayRequest("relay_1_fast", "fast"))

	first := h.next(t).(*message.Response)
	second := h.next(t).(*message.Response)

	assert.Equal(t, "relay_1_fast", first.CorrelationID)
	assert.JSONEq(t, `"fast"`, string(first.Result.Data))
	assert.Equal(t, "relay_1_slow", second.CorrelationID)
	assert.JSONEq(t, `"slow"`, string(second.Result.Data))
}

func TestRelayAnswersEachDelivery(t *testing.T) {
	backend, calls := newBackend(t, http.StatusOK, `{"data":1}`)
	h := newHarness(t, backend.URL, nil)

	h.send(t, relayRequest("relay_1_m", "community/get"))
	h.send(t, relayRequest("relay_1_m", "community/get"))

	assert.Equal(t, "relay_1_m", h.next(t).ID())
	assert.Equal(t, "relay_1_m", h.next(t).ID())
	h.expectNoReply(t, 100*time.Millisecond)
	assert.Len(t, calls, 2)
}

func TestServerDispose(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer backend.Close()
	defer close(release)

	h := newHarness(t, backend.URL, nil)
	h.send(t, relayRequest("relay_1_n", "community/get"))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("backend never called")
	}
	assert.Equal(t, int64(1), h.server.Status().InFlight)

	h.server.Dispose()

	status := h.server.Status()
	assert.False(t, status.Running)
	assert.Equal(t, int64(0), status.InFlight)
	assert.Equal(t, 0, h.window.ListenerCount())

	h.send(t, relayRequest("relay_1_o", "community/get"))
	h.expectNoReply(t, 150*time.Millisecond)

	h.server.Dispose()
}

// gatedWindow blocks every post until release is closed.
type gatedWindow struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	posted  atomic.Int32
}

func (w *gatedWindow) Origin() string { return appOrigin }

func (w *gatedWindow) PostMessage([]byte, string, channel.Window) error {
	w.once.Do(func() { close(w.entered) })
	<-w.release
	w.posted.Add(1)
	return nil
}

func TestServerDisposeWaitsForHandshakeReply(t *testing.T) {
	h := newHarness(t, "https://api.example.com", nil)
	source := &gatedWindow{entered: make(chan struct{}), release: make(chan struct{})}

	h.sendFrom(t, source, &message.Init{CorrelationID: "relay_1_p", Config: message.InitConfig{BaseURL: "https://api.example.com"}})

	select {
	case <-source.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("READY was never posted")
	}

	disposed := make(chan struct{})
	go func() {
		h.server.Dispose()
		close(disposed)
	}()

	select {
	case <-disposed:
		t.Fatal("Dispose returned while READY was still being posted")
	case <-time.After(100 * time.Millisecond):
	}

	close(source.release)

	select {
	case <-disposed:
	case <-time.After(3 * time.Second):
		t.Fatal("Dispose did not return")
	}
	assert.Equal(t, int32(1), source.posted.Load())

	h.sendFrom(t, source, &message.Init{CorrelationID: "relay_1_q", Config: message.InitConfig{BaseURL: "https://api.example.com"}})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), source.posted.Load())
}

func TestServerMetrics(t *testing.T) {
	backend, _ := newBackend(t, http.StatusInternalServerError, `{}`)
	provider := o11ytest.NewProvider()
	h := newHarness(t, backend.URL, func(b *ServerBuilder) {
		b.WithMetricsProvider(provider)
	})

	h.send(t, relayRequest("relay_1_p", "community/get"))
	_, ok := h.next(t).(*message.ErrorReply)
	require.True(t, ok)

	h.send(t, &message.Init{CorrelationID: "relay_1_q", Config: message.InitConfig{BaseURL: backend.URL}})
	h.next(t)

	assert.Equal(t, int64(1), provider.CounterNamed("relay_server_requests_total").ValueFor("target", "community/get"))
	assert.Equal(t, int64(1), provider.CounterNamed("relay_server_request_errors_total").ValueFor("kind", "NetworkError"))
	assert.Equal(t, int64(1), provider.CounterNamed("relay_server_backend_responses_total").ValueFor("status", "500"))
	assert.Equal(t, int64(1), provider.CounterNamed("relay_server_handshakes_total").Value())
	assert.Len(t, provider.HistogramNamed("relay_server_request_duration_seconds").Values(), 1)
	assert.Eventually(t, func() bool {
		return provider.GaugeNamed("relay_server_requests_in_flight").Sets() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(0), provider.GaugeNamed("relay_server_requests_in_flight").Value())
}
