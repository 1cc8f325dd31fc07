package testutil

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"AtomicSettle/internal/protocol"
)

// Network is an in-process participant transport. Envelopes sent to a
// participant are handed to its registered handler on a fresh
// goroutine, mimicking an async channel.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]func(*protocol.Envelope)
	// dropped, when set for a participant, makes sends to it fail.
	dropped map[string]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]func(*protocol.Envelope)),
		dropped:  make(map[string]bool),
	}
}

// Handle registers the delivery handler for a participant.
func (n *Network) Handle(participantID string, fn func(*protocol.Envelope)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[participantID] = fn
}

// Drop makes deliveries to the participant fail until restored.
func (n *Network) Drop(participantID string, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped[participantID] = drop
}

// Send implements participant.Conn.
func (n *Network) Send(_ context.Context, to string, env *protocol.Envelope) error {
	n.mu.RLock()
	fn, ok := n.handlers[to]
	dropped := n.dropped[to]
	n.mu.RUnlock()
	if dropped {
		return fmt.Errorf("participant %s unreachable", to)
	}
	if !ok {
		return fmt.Errorf("participant %s has no handler", to)
	}
	go fn(env)
	return nil
}

// SimParticipant is a scripted settlement member: it signs its own
// messages, confirms lock requests, and acknowledges notifications,
// unless told otherwise.
type SimParticipant struct {
	ID      string
	PubKey  ed25519.PublicKey
	privKey ed25519.PrivateKey
	seq     atomic.Uint64

	// Inbound receives every envelope the participant gets, for
	// assertions.
	Inbound chan *protocol.Envelope

	// DeclineLocks makes the participant answer lock requests with a
	// failure instead of confirming.
	DeclineLocks atomic.Bool
	// MuteLocks makes the participant ignore lock requests entirely.
	MuteLocks atomic.Bool
	// DropLockRequests swallows that many lock requests before the
	// participant starts answering again.
	DropLockRequests atomic.Int32
	// MuteAcks makes the participant skip acknowledgment of
	// notifications.
	MuteAcks atomic.Bool

	// reply delivers the participant's responses to the coordinator.
	reply func(*protocol.Envelope)
}

// NewSimParticipant creates a participant with a fresh keypair.
func NewSimParticipant(t *testing.T, id string) *SimParticipant {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &SimParticipant{
		ID:      id,
		PubKey:  pub,
		privKey: priv,
		Inbound: make(chan *protocol.Envelope, 64),
	}
}

// Connect wires the participant into the network, replying through
// the given coordinator inbound function.
func (p *SimParticipant) Connect(n *Network, coordinatorInbound func(*protocol.Envelope)) {
	p.reply = coordinatorInbound
	n.Handle(p.ID, p.receive)
}

// Envelope builds and signs an outbound envelope with the next
// sequence number.
func (p *SimParticipant) Envelope(t protocol.MessageType, correlation *protocol.Envelope, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(t, p.ID, p.seq.Add(1), uuid.Nil, payload)
	if err != nil {
		return nil, err
	}
	if correlation != nil {
		env.CorrelationID = correlation.MessageID
	}
	if err := env.Sign(p.privKey); err != nil {
		return nil, err
	}
	return env, nil
}

// Submit signs and delivers a SettleRequest to the coordinator.
func (p *SimParticipant) Submit(req protocol.SettleRequest) error {
	env, err := p.Envelope(protocol.TypeSettleRequest, nil, req)
	if err != nil {
		return err
	}
	p.reply(env)
	return nil
}

// SendHeartbeat delivers one heartbeat to the coordinator.
func (p *SimParticipant) SendHeartbeat() error {
	env, err := p.Envelope(protocol.TypeHeartbeat, nil, protocol.Heartbeat{})
	if err != nil {
		return err
	}
	p.reply(env)
	return nil
}

func (p *SimParticipant) receive(env *protocol.Envelope) {
	select {
	case p.Inbound <- env:
	default:
	}

	switch env.Type {
	case protocol.TypeLockRequest:
		if p.MuteLocks.Load() {
			return
		}
		if p.DropLockRequests.Load() > 0 {
			p.DropLockRequests.Add(-1)
			return
		}
		var req protocol.LockRequest
		if err := env.Decode(&req); err != nil {
			return
		}
		resp := protocol.LockResponse{
			LockID:               req.LockID,
			Result:               protocol.LockAcquired,
			ParticipantSignature: []byte(p.ID + "-lock-sig"),
		}
		if p.DeclineLocks.Load() {
			resp.Result = protocol.LockFailed
			resp.FailureCode = "account_blocked"
			resp.ParticipantSignature = nil
		}
		out, err := p.Envelope(protocol.TypeLockResponse, env, resp)
		if err != nil {
			return
		}
		p.reply(out)

	case protocol.TypeSettlementNotification:
		if p.MuteAcks.Load() {
			return
		}
		var n protocol.SettlementNotification
		if err := env.Decode(&n); err != nil {
			return
		}
		out, err := p.Envelope(protocol.TypeSettlementAck, env, protocol.SettlementAcknowledgment{
			SettlementID:   n.SettlementID,
			LocalReference: "ref-" + p.ID,
		})
		if err != nil {
			return
		}
		p.reply(out)
	}
}
