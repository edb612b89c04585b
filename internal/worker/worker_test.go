package worker

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/attrstore"
	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/registry"
	"github.com/dzfranklin/plantopo-sync/internal/replica"
	"github.com/dzfranklin/plantopo-sync/internal/storage/memstore"
	"github.com/dzfranklin/plantopo-sync/internal/token"
	"github.com/dzfranklin/plantopo-sync/internal/transport"
	"github.com/dzfranklin/plantopo-sync/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// harness wires one worker up to a real HTTP server so tests can dial in
// with a real websocket client, exercising the transport and wire codec
// alongside the worker's state machine.
type harness struct {
	t        *testing.T
	mapID    uuid.UUID
	verifier *token.Verifier
	store    *memstore.Store
	reg      *registry.Registry
	server   *httptest.Server
	ctx      context.Context
	cancel   context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	mapID := uuid.New()
	verifier := token.NewVerifier([]byte("test-secret"))
	store := memstore.New()
	reg := registry.New()
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{t: t, mapID: mapID, verifier: verifier, store: store, reg: reg, ctx: ctx, cancel: cancel}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r)
		if err != nil {
			return
		}
		handle := reg.GetOrSpawn(mapID, func() registry.Handle {
			return Spawn(ctx, reg, mapID, 1, verifier, store, discardLogger())
		})
		handle.Connect <- registry.Connection{Conn: conn}
	})
	h.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		h.server.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) token(t *testing.T, clientID clock.ClientId, write bool) string {
	tok, err := h.verifier.Issue(h.mapID, nil, clientID, write, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return tok
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env wire.Envelope) {
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.Encode(env)))
}

func recvEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	e, err := wire.Decode(b)
	require.NoError(t, err)
	return e
}

func authenticate(t *testing.T, h *harness, conn *websocket.Conn, clientID clock.ClientId, write bool) {
	sendEnvelope(t, conn, wire.Envelope{Kind: wire.KindAuth, AuthToken: h.token(t, clientID, write)})
	snapshot := recvEnvelope(t, conn)
	assert.Equal(t, wire.KindDelta, snapshot.Kind)
	awareSnap := recvEnvelope(t, conn)
	assert.Equal(t, wire.KindAware, awareSnap.Kind)
}

func TestAuthThenSnapshotThenAwareSequence(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	authenticate(t, h, conn, clock.NewClientId(1, 1), true)
}

func TestBadTokenIsRejectedAndConnectionCloses(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	sendEnvelope(t, conn, wire.Envelope{Kind: wire.KindAuth, AuthToken: "not-a-real-token"})

	env := recvEnvelope(t, conn)
	assert.Equal(t, wire.KindError, env.Kind)
	assert.Equal(t, wire.ErrAccessForbiddenError, env.ErrorCode)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the server closes the connection after the error")
}

func TestDeltaFromWriterIsBroadcastAndConfirmed(t *testing.T) {
	h := newHarness(t)
	writer := h.dial(t)
	reader := h.dial(t)
	authenticate(t, h, writer, clock.NewClientId(1, 1), true)
	authenticate(t, h, reader, clock.NewClientId(1, 2), false)

	ts := clock.Instant{Counter: 1, Client: clock.NewClientId(1, 1)}
	sendEnvelope(t, writer, wire.Envelope{
		Kind: wire.KindDelta,
		Delta: delta(attrstore.Entry{Key: "title", Value: attrstore.StringValue("Cairngorms"), Ts: ts}, ts),
	})

	confirm := recvEnvelope(t, writer)
	assert.Equal(t, wire.KindConfirmDelta, confirm.Kind)
	assert.Equal(t, ts, confirm.ConfirmDeltaTs)

	broadcast := recvEnvelope(t, reader)
	assert.Equal(t, wire.KindDelta, broadcast.Kind)
	require.Len(t, broadcast.Delta.Attrs, 1)
	assert.Equal(t, attrstore.StringValue("Cairngorms"), broadcast.Delta.Attrs[0].Value)
}

func TestDeltaFromReadOnlyPeerIsWriteForbiddenAndCloses(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	authenticate(t, h, conn, clock.NewClientId(1, 1), false)

	ts := clock.Instant{Counter: 1, Client: clock.NewClientId(1, 1)}
	sendEnvelope(t, conn, wire.Envelope{
		Kind:  wire.KindDelta,
		Delta: delta(attrstore.Entry{Key: "title", Value: attrstore.StringValue("nope"), Ts: ts}, ts),
	})

	env := recvEnvelope(t, conn)
	assert.Equal(t, wire.KindError, env.Kind)
	assert.Equal(t, wire.ErrWriteForbiddenError, env.ErrorCode)

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "the server closes the connection after the error")
}

func TestDuplicateClientIdIsRejected(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t)
	authenticate(t, h, first, clock.NewClientId(1, 1), true)

	second := h.dial(t)
	sendEnvelope(t, second, wire.Envelope{Kind: wire.KindAuth, AuthToken: h.token(t, clock.NewClientId(1, 1), true)})
	env := recvEnvelope(t, second)
	assert.Equal(t, wire.KindError, env.Kind)
	assert.Equal(t, wire.ErrInvalidError, env.ErrorCode)
}

func TestMalformedFrameGetsParseErrorAndStaysConnected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	authenticate(t, h, conn, clock.NewClientId(1, 1), true)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}))
	env := recvEnvelope(t, conn)
	assert.Equal(t, wire.KindError, env.Kind)
	assert.Equal(t, wire.ErrParseError, env.ErrorCode)

	// connection stays open: further well-formed messages are still handled,
	// and a delta is still merged and confirmed
	sendEnvelope(t, conn, wire.Envelope{Kind: wire.KindAware, Aware: nil})

	ts := clock.Instant{Counter: 1, Client: clock.NewClientId(1, 1)}
	sendEnvelope(t, conn, wire.Envelope{
		Kind:  wire.KindDelta,
		Delta: delta(attrstore.Entry{Key: "title", Value: attrstore.StringValue("still here"), Ts: ts}, ts),
	})
	confirm := recvEnvelope(t, conn)
	assert.Equal(t, wire.KindConfirmDelta, confirm.Kind)
}

func delta(attr attrstore.Entry, ts clock.Instant) replica.Delta {
	return replica.Delta{Ts: &ts, Attrs: []attrstore.Entry{attr}}
}
