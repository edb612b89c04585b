// Package worker implements the fan-out worker (spec.md §4.10): one
// single-threaded actor per active map, owning the replica and every
// connected peer, selecting across timers and channels exactly as spec.md
// §5's concurrency model requires.
package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/awareness"
	"github.com/dzfranklin/plantopo-sync/internal/clock"
	"github.com/dzfranklin/plantopo-sync/internal/metrics"
	"github.com/dzfranklin/plantopo-sync/internal/registry"
	"github.com/dzfranklin/plantopo-sync/internal/replica"
	"github.com/dzfranklin/plantopo-sync/internal/resilience"
	"github.com/dzfranklin/plantopo-sync/internal/storage"
	"github.com/dzfranklin/plantopo-sync/internal/token"
	"github.com/dzfranklin/plantopo-sync/internal/transport"
	"github.com/dzfranklin/plantopo-sync/internal/wire"
	"github.com/google/uuid"
)

const (
	idleTimeout          = 30 * time.Second
	heartbeatInterval    = 15 * time.Second
	saveInterval         = 10 * time.Second
	saveRetryAttempts    = 3
	saveRetryBaseDelay   = 200 * time.Millisecond
	orphanSweepThreshold = 8 // spec.md §4.15's K, in consecutive sweeps
)

// peerState is a connection's position in spec.md §4.10's per-peer state
// machine.
type peerState int

const (
	statePreAuth peerState = iota
	stateAuthed
)

type peer struct {
	id     uint64
	conn   *transport.Conn
	addr   string
	state  peerState
	claims token.Claims
}

// inboundFrame is what a per-connection reader goroutine hands back to the
// worker loop: either a decoded-able frame, or a terminal read error meaning
// the connection is gone.
type inboundFrame struct {
	peer  uint64
	frame []byte
	err   error
}

// savedAware remembers a logged-in user's last presence entry across a
// reconnect, for at most 30s, so a brief disconnect doesn't flash the peer's
// awareness to empty (spec.md §4.10's "Snapshot-on-join").
type savedAware struct {
	at    time.Time
	entry awareness.Aware
}

// Spawn starts the worker's event loop goroutine and returns its handle. The
// replica is built inside that goroutine (from a stored snapshot if one
// loads, otherwise fresh, per spec.md §4.12); Spawn does not insert the
// handle into the registry.
func Spawn(ctx context.Context, reg *registry.Registry, mapID uuid.UUID, serverID uint8, verifier *token.Verifier, store storage.Storage, logger *slog.Logger) registry.Handle {
	logger = logger.With("map_id", mapID, "server_id", serverID)

	connectCh := make(chan registry.Connection, 64)
	sweepCh := make(chan struct{}, 1)
	done := make(chan struct{})

	w := &worker{
		mapID:      mapID,
		serverID:   serverID,
		verifier:   verifier,
		store:      store,
		logger:     logger,
		connected:  make(map[uint64]*peer),
		nextPeerID: 1, // 0 is reserved as broadcastRaw's "no exclusion" sentinel
		savedAware: make(map[awareness.UserId]savedAware),
		inbound:    make(chan inboundFrame, 256),
	}

	handle := registry.NewHandle(connectCh, sweepCh, done)

	// The snapshot load happens inside run, off the registry's lock path, so
	// a slow storage read never stalls lookups for other maps. The caller is
	// responsible for inserting handle into the registry (registry.GetOrSpawn
	// does this atomically with the lookup that decided to spawn).
	go w.run(ctx, reg, connectCh, sweepCh, done)

	return handle
}

type worker struct {
	mapID    uuid.UUID
	serverID uint8
	verifier *token.Verifier
	store    storage.Storage
	logger   *slog.Logger

	client *replica.Client

	connected  map[uint64]*peer
	nextPeerID uint64
	savedAware map[awareness.UserId]savedAware

	inbound chan inboundFrame

	needsSave      bool
	lastSaveFailed atomic.Bool
}

func (w *worker) loadOrCreateReplica(ctx context.Context) *replica.Client {
	serverClientID := clock.NewClientId(w.serverID, 0)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	snap, err := w.store.Load(ctx, w.mapID.String(), w.serverID)
	if err != nil {
		if err != storage.ErrNotFound {
			w.logger.Warn("snapshot load failed, starting fresh", "err", err)
		}
		return replica.New(serverClientID, w.mapID, rng)
	}

	counter, delta, err := wire.DecodeSnapshot(snap.Bytes)
	if err != nil {
		w.logger.Warn("snapshot decode failed, starting fresh", "err", err)
		return replica.New(serverClientID, w.mapID, rng)
	}
	return replica.Restore(serverClientID, w.mapID, rng, counter, delta)
}

func (w *worker) run(ctx context.Context, reg *registry.Registry, connectCh <-chan registry.Connection, sweepCh <-chan struct{}, done chan<- struct{}) {
	w.client = w.loadOrCreateReplica(ctx)

	metrics.WorkersActive.Inc()
	w.logger.Info("worker spawned")

	idleTimer := time.NewTimer(idleTimeout)
	saveTicker := time.NewTicker(saveInterval)
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer idleTimer.Stop()
	defer saveTicker.Stop()
	defer heartbeatTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("worker received shutdown")
			break loop

		case <-idleTimer.C:
			if len(w.connected) == 0 {
				w.logger.Debug("idle timeout, shutting down")
				break loop
			}
			idleTimer.Reset(idleTimeout)

		case <-saveTicker.C:
			if !w.needsSave && !w.lastSaveFailed.Load() {
				continue
			}
			w.needsSave = false
			w.saveAsync(ctx)

		case <-heartbeatTicker.C:
			w.broadcastHeartbeat()

		case conn, ok := <-connectCh:
			if !ok {
				break loop
			}
			w.acceptConnection(conn)
			idleTimer.Reset(idleTimeout)

		case <-sweepCh:
			w.sweepOrphans()

		case msg := <-w.inbound:
			idleTimer.Reset(idleTimeout)
			w.handleInbound(msg)
		}
	}

	reg.Remove(w.mapID)
	close(done)
	metrics.PeersConnected.Sub(float64(len(w.connected)))

	if w.needsSave {
		w.saveNow(context.Background())
	}
	metrics.WorkersActive.Dec()
	w.logger.Info("worker stopped")
}

func (w *worker) acceptConnection(c registry.Connection) {
	id := w.nextPeerID
	w.nextPeerID++

	p := &peer{id: id, conn: c.Conn, addr: c.Conn.RemoteAddr(), state: statePreAuth}
	w.connected[id] = p
	w.logger.Info("peer connecting", "peer", id, "addr", p.addr)

	go func() {
		for {
			frame, err := c.Conn.ReadMessage()
			w.inbound <- inboundFrame{peer: id, frame: frame, err: err}
			if err != nil {
				return
			}
		}
	}()
}

func (w *worker) handleInbound(msg inboundFrame) {
	p, ok := w.connected[msg.peer]
	if !ok {
		return // already removed, e.g. a read that raced a prior close
	}

	if msg.err != nil {
		w.disconnect(p)
		return
	}

	env, err := wire.Decode(msg.frame)
	if err != nil {
		metrics.FramesDecodeErrors.Inc()
		w.reply(p, wire.ErrParseError, "failed to parse message")
		return
	}

	var reply *wireError
	switch p.state {
	case statePreAuth:
		reply = w.handlePreAuth(p, env)
	case stateAuthed:
		reply = w.handleAuthed(p, msg.frame, env)
	}

	if reply != nil {
		w.reply(p, reply.code, reply.description)
		if reply.closes {
			w.disconnect(p)
		}
	}
}

type wireError struct {
	code        wire.ErrorCode
	description string
	closes      bool
}

func invalid(desc string) *wireError         { return &wireError{code: wire.ErrInvalidError, description: desc, closes: true} }
func accessForbidden(desc string) *wireError { return &wireError{code: wire.ErrAccessForbiddenError, description: desc, closes: true} }
func writeForbidden(desc string) *wireError  { return &wireError{code: wire.ErrWriteForbiddenError, description: desc, closes: true} }

func (w *worker) handlePreAuth(p *peer, env wire.Envelope) *wireError {
	if env.Kind != wire.KindAuth {
		return invalid("expected auth message")
	}
	if env.AuthToken == "" {
		return accessForbidden("missing auth token")
	}

	claims, err := w.verifier.Verify(env.AuthToken, w.mapID)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return accessForbidden("invalid or expired auth token")
	}

	for _, other := range w.connected {
		if other.state == stateAuthed && other.claims.ClientID == claims.ClientID {
			metrics.AuthFailures.WithLabelValues("duplicate_client_id").Inc()
			return invalid("client id already connected")
		}
	}

	p.state = stateAuthed
	p.claims = claims
	metrics.PeersConnected.Inc()
	w.logger.Info("peer authenticated", "peer", p.id, "client_id", claims.ClientID)

	if claims.UserID != nil {
		if saved, ok := w.savedAware[*claims.UserID]; ok && time.Since(saved.at) < awareness.TTL {
			entry := saved.entry
			w.client.Aware.Merge(saved.at, []awareness.Write{{Client: claims.ClientID, Aware: &entry}})
		}
	}

	snapshot := w.client.Save()
	w.sendEnvelope(p, wire.Envelope{Kind: wire.KindDelta, Delta: snapshot})
	w.sendEnvelope(p, wire.Envelope{Kind: wire.KindAware, Aware: w.client.Aware.Save()})

	return nil
}

func (w *worker) handleAuthed(p *peer, raw []byte, env wire.Envelope) *wireError {
	switch env.Kind {
	case wire.KindAuth:
		return invalid("already authenticated")

	case wire.KindAware:
		if len(env.Aware) == 0 {
			return nil
		}
		if len(env.Aware) > 1 {
			return invalid("client cannot send multiple awares to server")
		}
		write := env.Aware[0]
		if write.Client != p.claims.ClientID {
			return invalid("client id doesn't match aware")
		}

		w.client.Aware.Merge(time.Now(), env.Aware)
		if p.claims.UserID != nil && write.Aware != nil {
			w.savedAware[*p.claims.UserID] = savedAware{at: time.Now(), entry: *write.Aware}
		}
		w.broadcastRaw(raw, p.id)
		return nil

	case wire.KindDelta:
		if !p.claims.PermitWrite {
			return writeForbidden("you lack write permission")
		}
		corrective := w.client.Merge(time.Now(), env.Delta)
		w.needsSave = true
		w.broadcastRaw(raw, p.id)

		if !corrective.Empty() {
			// A merge collision was just resolved locally (spec.md §4.2): the
			// correction is a fresh, broadcastable write of our own, so every
			// peer gets it, including the sender of the delta that triggered it.
			frame := wire.Encode(wire.Envelope{Kind: wire.KindDelta, Delta: corrective})
			w.broadcastRaw(frame, 0)
		}

		if env.Delta.Ts != nil && !w.lastSaveFailed.Load() {
			w.sendEnvelope(p, wire.Envelope{Kind: wire.KindConfirmDelta, ConfirmDeltaTs: *env.Delta.Ts})
		}
		return nil

	case wire.KindError:
		w.logger.Info("peer sent error", "peer", p.id, "code", env.ErrorCode, "description", env.ErrorDescription)
		return nil

	case wire.KindConfirmDelta:
		return nil // server-to-client only; tolerated but ignored

	default:
		w.logger.Info("peer sent unknown message kind", "peer", p.id, "kind", env.Kind)
		return nil
	}
}

// disconnect removes a peer and, if it was authenticated, broadcasts its
// departure as an awareness delta (spec.md §4.10's "Authed → close" arc).
func (w *worker) disconnect(p *peer) {
	delete(w.connected, p.id)
	_ = p.conn.Close()

	if p.state != stateAuthed {
		w.logger.Info("peer disconnected pre-auth", "peer", p.id)
		return
	}

	w.logger.Info("peer disconnected", "peer", p.id, "client_id", p.claims.ClientID)
	metrics.PeersConnected.Dec()

	writes := []awareness.Write{{Client: p.claims.ClientID}}
	w.client.Aware.Merge(time.Now(), writes)

	frame := wire.Encode(wire.Envelope{Kind: wire.KindAware, Aware: writes})
	w.broadcastRaw(frame, p.id)
}

// broadcastHeartbeat forwards the server's own awareness entry to every
// peer, refreshing its TTL and letting newly joined peers see liveness
// (spec.md §4.10's 15s heartbeat).
func (w *worker) broadcastHeartbeat() {
	if len(w.connected) == 0 {
		return
	}
	self, ok := w.client.Aware.GetMy()
	if !ok {
		self = awareness.Aware{IsServer: true}
	}
	awareness.Update(w.client.Aware, time.Now(), self)

	frame := wire.Encode(wire.Envelope{
		Kind:  wire.KindAware,
		Aware: []awareness.Write{{Client: w.client.ID, Aware: &self}},
	})
	for _, p := range w.connected {
		if p.state != stateAuthed {
			continue
		}
		_ = p.conn.WriteMessage(frame)
	}
}

func (w *worker) sweepOrphans() {
	d := w.client.SweepOrphans(orphanSweepThreshold)
	if d.Empty() {
		return
	}
	metrics.OrphanedFeaturesSwept.Add(float64(len(d.DeadFeatures)))
	w.needsSave = true
	frame := wire.Encode(wire.Envelope{Kind: wire.KindDelta, Delta: d})
	w.broadcastRaw(frame, 0)
}

// broadcastRaw forwards previously-encoded bytes verbatim to every
// authenticated peer other than exclude (spec.md §4.10's no-re-encoding
// rule). Send failures are non-fatal; the peer's own read loop will observe
// the resulting close shortly after.
func (w *worker) broadcastRaw(frame []byte, exclude uint64) {
	for id, p := range w.connected {
		if id == exclude || p.state != stateAuthed {
			continue
		}
		_ = p.conn.WriteMessage(frame)
	}
}

func (w *worker) sendEnvelope(p *peer, env wire.Envelope) {
	_ = p.conn.WriteMessage(wire.Encode(env))
}

func (w *worker) reply(p *peer, code wire.ErrorCode, desc string) {
	w.sendEnvelope(p, wire.Envelope{Kind: wire.KindError, ErrorCode: code, ErrorDescription: desc})
}

// saveAsync snapshots the replica into a fresh buffer synchronously (the
// replica is not safe for concurrent access) then hands the buffer to a
// goroutine for the actual storage write, so the event loop never blocks on
// I/O (spec.md §4.10's "Save" rule).
func (w *worker) saveAsync(ctx context.Context) {
	buf := wire.EncodeSnapshot(w.client.Now().Counter, w.client.Save())
	mapID := w.mapID.String()
	serverID := w.serverID
	store := w.store
	failed := &w.lastSaveFailed

	go func() {
		start := time.Now()
		_, err := resilience.Retry(ctx, saveRetryAttempts, saveRetryBaseDelay, func() (struct{}, error) {
			return struct{}{}, store.Save(ctx, mapID, serverID, buf, time.Now())
		})
		metrics.SaveDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SaveFailures.Inc()
			failed.Store(true)
			return
		}
		failed.Store(false)
	}()
}

// saveNow performs a blocking save, used only on worker shutdown when there
// is no event loop left to avoid blocking.
func (w *worker) saveNow(ctx context.Context) {
	buf := wire.EncodeSnapshot(w.client.Now().Counter, w.client.Save())
	if err := w.store.Save(ctx, w.mapID.String(), w.serverID, buf, time.Now()); err != nil {
		w.logger.Warn("final save failed", "err", err)
	}
}
