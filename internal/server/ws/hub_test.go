package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
)

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newChanBus() *chanBus {
	return &chanBus{subs: map[string]chan []byte{}}
}

func (b *chanBus) ch(channel string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.subs[channel]
	if !ok {
		c = make(chan []byte, 8)
		b.subs[channel] = c
	}
	return c
}

func (b *chanBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.ch(channel) <- payload
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return b.ch(channel), nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func startHub(t *testing.T, bus domain.SignalBus) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Mode:            "server",
		ActivePositions: func() int64 { return 3 },
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestSnapshotThenRelay(t *testing.T) {
	bus := newChanBus()
	_, conn := startHub(t, bus)

	env := readEnvelope(t, conn)
	require.Equal(t, "status", env.Type)
	var status map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &status))
	require.Equal(t, "server", status["mode"])
	require.Equal(t, float64(3), status["active_positions"])

	require.NoError(t, bus.Publish(context.Background(), domain.ChannelPositions, []byte(`{"position_id":1,"event":"created"}`)))
	env = readEnvelope(t, conn)
	require.Equal(t, "event", env.Type)
	require.Equal(t, domain.ChannelPositions, env.Channel)
	require.JSONEq(t, `{"position_id":1,"event":"created"}`, string(env.Payload))
}

func TestUnsubscribe(t *testing.T) {
	hub, conn := startHub(t, nil)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelPrices}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.isSubscribed(domain.ChannelPrices) {
				return false
			}
		}
		return len(hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(domain.ChannelPrices, []byte(`{"price":"2000"}`))
	hub.Publish(domain.ChannelPositions, []byte("not json"))

	env := readEnvelope(t, conn)
	require.Equal(t, domain.ChannelPositions, env.Channel)
	require.JSONEq(t, `"not json"`, string(env.Payload))
}

func TestCheckOriginFollowsCORSList(t *testing.T) {
	hub := NewHub(newChanBus(), slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		AllowedOrigins: []string{"http://localhost:*"},
	})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	require.True(t, hub.checkOrigin(req("http://localhost:3000")))
	require.True(t, hub.checkOrigin(req("")))
	require.False(t, hub.checkOrigin(req("https://evil.example")))
}
