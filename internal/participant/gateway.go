package participant

import (
	"context"
	"crypto/ed25519"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/protocol"
)

// Conn is the transport under the gateway. Implementations deliver an
// envelope to one participant; NATS in production, a loopback in
// tests.
type Conn interface {
	Send(ctx context.Context, to string, env *protocol.Envelope) error
}

// GatewayConfig tunes delivery behavior.
type GatewayConfig struct {
	// CoordinatorID is the sender id on outbound envelopes.
	CoordinatorID string
	// LockRetries is how many times a lock request is retried before
	// the participant is given up on.
	LockRetries int
	// RetryBackoff is the base backoff between lock request retries;
	// each attempt adds up to 50% jitter.
	RetryBackoff time.Duration
	// ResponseTimeout is how long a delivered lock request waits for a
	// response before being re-sent. The last attempt waits out the
	// caller's deadline.
	ResponseTimeout time.Duration
	// NotificationRetention bounds redelivery of unacked
	// notifications after participant reconnection.
	NotificationRetention time.Duration
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig(coordinatorID string) GatewayConfig {
	return GatewayConfig{
		CoordinatorID:         coordinatorID,
		LockRetries:           3,
		RetryBackoff:          200 * time.Millisecond,
		ResponseTimeout:       2 * time.Second,
		NotificationRetention: 24 * time.Hour,
	}
}

type pendingNotification struct {
	env      *protocol.Envelope
	storedAt time.Time
}

// ackEvent pairs an acknowledgment with the participant that sent it.
type ackEvent struct {
	sender string
	ack    protocol.SettlementAcknowledgment
}

// Gateway signs and delivers coordinator messages and routes inbound
// responses back to waiting settlement tasks.
type Gateway struct {
	cfg      GatewayConfig
	conn     Conn
	registry *Registry
	signKey  ed25519.PrivateKey
	log      zerolog.Logger
	guard    *protocol.ReplayGuard
	seq      atomic.Uint64
	now      func() time.Time

	mu sync.Mutex
	// lockWaiters routes LockResponses by lock id.
	lockWaiters map[uuid.UUID]chan protocol.LockResponse
	// ackWaiters routes acknowledgments by settlement id.
	ackWaiters map[uuid.UUID]chan ackEvent
	// pending holds unacked notifications per participant for
	// redelivery on reconnection.
	pending  map[string][]pendingNotification
	breakers map[string]*gobreaker.CircuitBreaker

	// onSettleRequest receives inbound settlement submissions.
	onSettleRequest func(sender string, req protocol.SettleRequest) protocol.SettleResponse
}

// NewGateway creates a gateway over the given transport.
func NewGateway(cfg GatewayConfig, conn Conn, registry *Registry, signKey ed25519.PrivateKey, log zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:         cfg,
		conn:        conn,
		registry:    registry,
		signKey:     signKey,
		log:         log,
		guard:       protocol.NewReplayGuard(),
		now:         func() time.Time { return time.Now().UTC() },
		lockWaiters: make(map[uuid.UUID]chan protocol.LockResponse),
		ackWaiters:  make(map[uuid.UUID]chan ackEvent),
		pending:     make(map[string][]pendingNotification),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnSettleRequest registers the inbound submission handler.
func (g *Gateway) OnSettleRequest(fn func(sender string, req protocol.SettleRequest) protocol.SettleResponse) {
	g.onSettleRequest = fn
}

// RequestLock sends a LockRequest and waits for the participant's
// response. Delivery failures and silent waits past the response
// timeout are both retried with jittered backoff; the context bounds
// the whole exchange.
func (g *Gateway) RequestLock(ctx context.Context, to string, req protocol.LockRequest) (protocol.LockResponse, error) {
	if !g.registry.Online(to) {
		return protocol.LockResponse{}, errs.Newf(errs.CodeParticipantOffline, "participant %s is offline", to)
	}

	ch := make(chan protocol.LockResponse, 1)
	g.mu.Lock()
	g.lockWaiters[req.LockID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.lockWaiters, req.LockID)
		g.mu.Unlock()
	}()

	env, err := g.envelope(protocol.TypeLockRequest, uuid.Nil, req)
	if err != nil {
		return protocol.LockResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.LockRetries; attempt++ {
		if attempt > 0 {
			backoff := g.cfg.RetryBackoff + time.Duration(rand.Int63n(int64(g.cfg.RetryBackoff)/2+1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return protocol.LockResponse{}, errs.Newf(errs.CodeLockTimeout,
					"lock request to %s timed out", to)
			}
		}
		if lastErr = g.deliver(ctx, to, env); lastErr != nil {
			continue
		}

		if attempt < g.cfg.LockRetries {
			select {
			case resp := <-ch:
				return resp, nil
			case <-time.After(g.cfg.ResponseTimeout):
				lastErr = errs.Newf(errs.CodeLockTimeout, "no lock response from %s", to)
			case <-ctx.Done():
				return protocol.LockResponse{}, errs.Newf(errs.CodeLockTimeout,
					"no lock response from %s", to)
			}
			continue
		}
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return protocol.LockResponse{}, errs.Newf(errs.CodeLockTimeout,
				"no lock response from %s", to)
		}
	}
	if errs.HasCode(lastErr, errs.CodeLockTimeout) {
		return protocol.LockResponse{}, lastErr
	}
	return protocol.LockResponse{}, errs.Wrap(errs.CodeParticipantOffline,
		"lock request delivery to "+to+" failed", lastErr)
}

// SendRelease informs the participant its lock was released. Delivery
// failures are logged, not surfaced; the release already happened.
func (g *Gateway) SendRelease(ctx context.Context, to string, rel protocol.LockRelease) {
	env, err := g.envelope(protocol.TypeLockRelease, uuid.Nil, rel)
	if err == nil {
		err = g.deliver(ctx, to, env)
	}
	if err != nil {
		g.log.Warn().Err(err).Str("participant", to).
			Str("lock_id", rel.LockID.String()).Msg("lock release delivery failed")
	}
}

// SendResponse delivers a SettleResponse, correlated to the request.
func (g *Gateway) SendResponse(ctx context.Context, to string, correlation uuid.UUID, resp protocol.SettleResponse) error {
	env, err := g.envelope(protocol.TypeSettleResponse, correlation, resp)
	if err != nil {
		return err
	}
	return g.deliver(ctx, to, env)
}

// SendAbort delivers a terminal abort report.
func (g *Gateway) SendAbort(ctx context.Context, to string, abort protocol.SettleAbort) {
	env, err := g.envelope(protocol.TypeSettleAbort, uuid.Nil, abort)
	if err == nil {
		err = g.deliver(ctx, to, env)
	}
	if err != nil {
		g.log.Warn().Err(err).Str("participant", to).
			Str("settlement_id", abort.SettlementID.String()).Msg("abort delivery failed")
	}
}

// Notify delivers a settlement notification and stores it for
// redelivery until acknowledged or retention expires.
func (g *Gateway) Notify(ctx context.Context, to string, n protocol.SettlementNotification) {
	env, err := g.envelope(protocol.TypeSettlementNotification, uuid.Nil, n)
	if err != nil {
		g.log.Error().Err(err).Msg("build notification")
		return
	}

	g.mu.Lock()
	g.pending[to] = append(g.pending[to], pendingNotification{env: env, storedAt: g.now()})
	g.mu.Unlock()

	if err := g.deliver(ctx, to, env); err != nil {
		g.log.Warn().Err(err).Str("participant", to).
			Str("settlement_id", n.SettlementID.String()).
			Msg("notification delivery failed, will redeliver on reconnect")
	}
}

// WatchAcks registers interest in acknowledgments of the settlement.
// Register before the notifications go out so early acks are not
// dropped. The returned wait function blocks until every listed
// participant acknowledged or the context ends, then unregisters.
func (g *Gateway) WatchAcks(settlementID uuid.UUID, from []string) func(ctx context.Context) []string {
	ch := make(chan ackEvent, len(from)+4)
	g.mu.Lock()
	g.ackWaiters[settlementID] = ch
	g.mu.Unlock()

	return func(ctx context.Context) []string {
		defer func() {
			g.mu.Lock()
			delete(g.ackWaiters, settlementID)
			g.mu.Unlock()
		}()

		want := make(map[string]bool, len(from))
		for _, p := range from {
			want[p] = true
		}
		var acked []string
		for len(acked) < len(from) {
			select {
			case ev := <-ch:
				if want[ev.sender] {
					delete(want, ev.sender)
					acked = append(acked, ev.sender)
				}
			case <-ctx.Done():
				return acked
			}
		}
		return acked
	}
}

// AwaitAcks waits for acknowledgments of the settlement from every
// listed participant, or until the context expires. Returns the ids
// that acknowledged.
func (g *Gateway) AwaitAcks(ctx context.Context, settlementID uuid.UUID, from []string) []string {
	return g.WatchAcks(settlementID, from)(ctx)
}

// Redeliver resends unacked notifications to a reconnected
// participant and drops entries past retention.
func (g *Gateway) Redeliver(ctx context.Context, to string) int {
	g.mu.Lock()
	entries := g.pending[to]
	kept := entries[:0]
	cutoff := g.now().Add(-g.cfg.NotificationRetention)
	for _, e := range entries {
		if e.storedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	g.pending[to] = kept
	toSend := make([]*protocol.Envelope, len(kept))
	for i, e := range kept {
		toSend[i] = e.env
	}
	g.mu.Unlock()

	sent := 0
	for _, env := range toSend {
		if err := g.deliver(ctx, to, env); err == nil {
			sent++
		}
	}
	return sent
}

// HandleInbound verifies, replay-checks, and dispatches one inbound
// envelope. The returned error is for logging; the sender learns
// nothing about dispatch failures except through protocol responses.
func (g *Gateway) HandleInbound(ctx context.Context, env *protocol.Envelope) error {
	p, err := g.registry.Get(env.SenderID)
	if err != nil {
		return err
	}
	if err := env.Verify(p.PublicKey); err != nil {
		return err
	}
	if err := g.guard.Admit(env); err != nil {
		return err
	}
	wasOnline := g.registry.Online(env.SenderID)
	_ = g.registry.Heartbeat(env.SenderID)
	if !wasOnline {
		// The participant reconnected: push any notifications it missed
		// while away.
		go g.Redeliver(context.Background(), env.SenderID)
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		return nil

	case protocol.TypeSettleRequest:
		var req protocol.SettleRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		if g.onSettleRequest == nil {
			return errs.New(errs.CodeInternalError, "no settle request handler")
		}
		resp := g.onSettleRequest(env.SenderID, req)
		return g.SendResponse(ctx, env.SenderID, env.MessageID, resp)

	case protocol.TypeLockResponse:
		var resp protocol.LockResponse
		if err := env.Decode(&resp); err != nil {
			return err
		}
		g.mu.Lock()
		ch, ok := g.lockWaiters[resp.LockID]
		g.mu.Unlock()
		if !ok {
			g.log.Debug().Str("lock_id", resp.LockID.String()).Msg("lock response with no waiter")
			return nil
		}
		select {
		case ch <- resp:
		default:
		}
		return nil

	case protocol.TypeSettlementAck:
		var ack protocol.SettlementAcknowledgment
		if err := env.Decode(&ack); err != nil {
			return err
		}
		g.clearPending(env.SenderID, ack.SettlementID)
		g.mu.Lock()
		ch, ok := g.ackWaiters[ack.SettlementID]
		g.mu.Unlock()
		if ok {
			select {
			case ch <- ackEvent{sender: env.SenderID, ack: ack}:
			default:
			}
		}
		return nil

	default:
		return errs.Newf(errs.CodeInvalidMessage, "unexpected inbound message type %s", env.Type)
	}
}

// clearPending drops stored notifications for the settlement once the
// participant acknowledged.
func (g *Gateway) clearPending(participantID string, settlementID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := g.pending[participantID]
	kept := entries[:0]
	for _, e := range entries {
		var n protocol.SettlementNotification
		if err := e.env.Decode(&n); err == nil && n.SettlementID == settlementID {
			continue
		}
		kept = append(kept, e)
	}
	g.pending[participantID] = kept
}

func (g *Gateway) envelope(t protocol.MessageType, correlation uuid.UUID, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(t, g.cfg.CoordinatorID, g.seq.Add(1), correlation, payload)
	if err != nil {
		return nil, err
	}
	if g.signKey != nil {
		if err := env.Sign(g.signKey); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// deliver pushes the envelope through the participant's circuit
// breaker.
func (g *Gateway) deliver(ctx context.Context, to string, env *protocol.Envelope) error {
	g.mu.Lock()
	cb, ok := g.breakers[to]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "participant-" + to,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		g.breakers[to] = cb
	}
	g.mu.Unlock()

	_, err := cb.Execute(func() (any, error) {
		return nil, g.conn.Send(ctx, to, env)
	})
	return err
}
