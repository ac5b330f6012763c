package websockets_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/framerelay/pkg/framerelay"
	"github.com/tsarna/framerelay/pkg/framerelay/channel"
	"github.com/tsarna/framerelay/pkg/framerelay/client"
	"github.com/tsarna/framerelay/pkg/framerelay/message"
	"github.com/tsarna/framerelay/pkg/framerelay/o11y/o11ytest"
	"github.com/tsarna/framerelay/pkg/framerelay/server"
	"github.com/tsarna/framerelay/pkg/framerelay/websockets"
	"go.uber.org/zap"
)

type relayStack struct {
	listener *websockets.Listener
	ws       *httptest.Server
	provider *o11ytest.Provider
}

func newRelayStack(t *testing.T, configure func(*server.ServerBuilder)) *relayStack {
	t.Helper()
	logger := zap.NewNop()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"data":{"path":"`+r.URL.Path+`","request":`+string(body)+`}}`)
	}))
	t.Cleanup(backend.Close)

	window := channel.NewLocalWindow("https://relay.example.com")
	t.Cleanup(window.Close)

	builder := server.NewServer().
		WithLogger(logger).
		WithWindow(window).
		WithBaseURL(backend.URL).
		WithServerID("ws-relay")
	if configure != nil {
		configure(builder)
	}
	srv, err := builder.Build()
	require.NoError(t, err)
	t.Cleanup(srv.Dispose)

	provider := o11ytest.NewProvider()
	listener, err := websockets.NewListenerConfig().
		WithWindow(window).
		WithLogger(logger).
		WithMetricsProvider(provider).
		Build()
	require.NoError(t, err)

	ws := httptest.NewServer(http.HandlerFunc(listener.ServeWebsocket))
	t.Cleanup(ws.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = listener.Shutdown(ctx)
	})

	return &relayStack{listener: listener, ws: ws, provider: provider}
}

func (s *relayStack) dial(t *testing.T, origin string) *websockets.ClientConn {
	t.Helper()

	dialer, err := websockets.NewDialer().
		WithURL("ws" + strings.TrimPrefix(s.ws.URL, "http")).
		WithOrigin(origin).
		WithLogger(zap.NewNop()).
		Build()
	require.NoError(t, err)

	cc, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return cc
}

func newRelayClient(t *testing.T, cc *websockets.ClientConn) *client.Client {
	t.Helper()

	c, err := client.NewClient().
		WithWindow(cc.Window()).
		WithEndpoint("getCommunity", "community/get").
		WithTimeout(2 * time.Second).
		WithMaxRetries(0).
		Build()
	require.NoError(t, err)
	t.Cleanup(c.Dispose)

	c.BindTarget(cc)
	return c
}

func TestRelayOverWebSocket(t *testing.T) {
	stack := newRelayStack(t, nil)
	cc := stack.dial(t, "https://app.example.com")
	c := newRelayClient(t, cc)

	serverID, err := c.Handshake(context.Background(), message.InitConfig{BaseURL: "https://api.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ws-relay", serverID)

	result, err := c.Call(context.Background(), client.Request{
		Method:      "getCommunity",
		UserID:      "u1",
		CommunityID: "c1",
		Params:      map[string]any{"page": 2},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.JSONEq(t, `{"path":"/community/get","request":{"method":"getCommunity","userId":"u1","communityId":"c1","params":{"page":2}}}`, string(result.Data))

	assert.Equal(t, 1, stack.listener.ConnectionCount())
	assert.Equal(t, int64(1), stack.provider.CounterNamed("relay_websocket_connections_total").Value())
	assert.Equal(t, int64(2), stack.provider.CounterNamed("relay_websocket_messages_received_total").Value())
}

func TestWebSocketOriginPolicy(t *testing.T) {
	stack := newRelayStack(t, func(b *server.ServerBuilder) {
		b.WithAllowedOrigins("https://app.example.com")
	})

	allowed := newRelayClient(t, stack.dial(t, "https://app.example.com"))
	_, err := allowed.Call(context.Background(), client.Request{Method: "getCommunity", UserID: "u", CommunityID: "c"})
	require.NoError(t, err)

	denied := newRelayClient(t, stack.dial(t, "https://evil.example.com"))
	_, err = denied.Call(context.Background(), client.Request{Method: "getCommunity", UserID: "u", CommunityID: "c"})
	assert.ErrorIs(t, err, framerelay.ErrPermissionDenied)
}

func TestWebSocketShutdownUnbindsTarget(t *testing.T) {
	stack := newRelayStack(t, nil)
	cc := stack.dial(t, "https://app.example.com")
	c := newRelayClient(t, cc)

	require.NotNil(t, cc.ContentWindow())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, stack.listener.Shutdown(ctx))

	select {
	case <-cc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client connection did not close")
	}

	assert.Nil(t, cc.ContentWindow())
	_, err := c.Call(context.Background(), client.Request{Method: "getCommunity", UserID: "u", CommunityID: "c"})
	assert.ErrorIs(t, err, framerelay.ErrNoActiveTarget)
	assert.Equal(t, 0, stack.listener.ConnectionCount())
}

func TestDialerValidation(t *testing.T) {
	_, err := websockets.NewDialer().Build()
	assert.Error(t, err)

	_, err = websockets.NewDialer().WithURL("ftp://relay.example.com").Build()
	assert.Error(t, err)

	_, err = websockets.NewListenerConfig().Build()
	assert.Error(t, err)
}

func TestClientCloseReleasesConnection(t *testing.T) {
	stack := newRelayStack(t, nil)
	cc := stack.dial(t, "")

	require.Eventually(t, func() bool { return stack.listener.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	remote := cc.ContentWindow()
	require.NotNil(t, remote)
	assert.Equal(t, stack.ws.URL, remote.Origin())

	require.NoError(t, cc.Close())

	assert.Nil(t, cc.ContentWindow())
	assert.ErrorIs(t, remote.PostMessage([]byte(`{}`), "*", nil), channel.ErrClosed)
	assert.Eventually(t, func() bool { return stack.listener.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
