package whatsapp

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/reserveja/backend/internal/whatsapp/bridge"
	"github.com/reserveja/backend/pkg/logging"
)

// State is the lifecycle state of one tenant session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateAwaitingScan  State = "awaiting_scan"
	StateConnected     State = "connected"
	StateAuthFailed    State = "auth_failed"
	StateDisconnected  State = "disconnected"
)

// Pairing poll: fixed interval, bounded attempts. Suspends only the
// calling request, never the session coordinator.
const (
	pairingPollInterval = time.Second
	pairingPollAttempts = 30
)

// Conn is the session's view of the underlying chat client connection.
// Satisfied by *bridge.Conn.
type Conn interface {
	Events() <-chan bridge.Event
	SendText(ctx context.Context, to, body string) error
	Close(ctx context.Context) error
}

// DialFunc brings up the underlying client for a session id.
type DialFunc func(ctx context.Context, sessionID string) (Conn, error)

// BridgeDialer adapts a bridge client to DialFunc.
func BridgeDialer(client *bridge.Client) DialFunc {
	return func(ctx context.Context, sessionID string) (Conn, error) {
		return client.Dial(ctx, sessionID)
	}
}

// Metrics receives gateway observations. All methods must be safe on
// a nil implementation value.
type Metrics interface {
	ForwardMetrics
	ObserveTransition(state string)
	ObserveBringUp(outcome string, seconds float64)
	ObserveOutbound(status string)
	ObserveInboundWebhook(status string)
}

type initAttempt struct {
	done chan struct{}
	err  error
}

// Session is one tenant's live connection to WhatsApp: a state machine
// wrapping one underlying bridge connection. All fields are guarded by
// mu; state transitions originate from a single coordinator goroutine
// per live connection.
type Session struct {
	id        string
	companyID string

	mu            sync.Mutex
	state         State
	qrCode        string
	phoneNumber   string
	lastSeen      time.Time
	webhookURL    string
	webhookEvents []string
	conn          Conn
	init          *initAttempt

	dial        DialFunc
	store       ConnectionRecords
	dispatcher  *Dispatcher
	msgLog      *MessageLog
	metrics     Metrics
	logger      *logging.Logger
	pairingWait time.Duration

	// ingressURL is the webhook configured lazily on the first ready
	// transition.
	ingressURL string
}

// Snapshot is a consistent projection of the session for callers.
type Snapshot struct {
	State       State
	QRCode      string
	PhoneNumber string
	LastSeen    time.Time
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.state,
		QRCode:      s.qrCode,
		PhoneNumber: s.phoneNumber,
		LastSeen:    s.lastSeen,
	}
}

// ID returns the stable session identifier.
func (s *Session) ID() string {
	return s.id
}

// EnsureStarted guarantees a bring-up has been attempted: it joins an
// in-flight attempt when one exists, starts one when the session has
// no live connection, and returns immediately when one is live.
// Concurrent callers never trigger a second bring-up; duplicate
// underlying clients would corrupt the per-session auth directory.
func (s *Session) EnsureStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if attempt := s.init; attempt != nil {
		s.mu.Unlock()
		return s.await(ctx, attempt)
	}
	attempt := &initAttempt{done: make(chan struct{})}
	s.init = attempt
	s.transitionLocked(StateInitializing)
	s.mu.Unlock()

	go s.bringUp(attempt)
	return s.await(ctx, attempt)
}

func (s *Session) await(ctx context.Context, attempt *initAttempt) error {
	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bringUp dials the underlying client and hands its event stream to
// the coordinator goroutine. Failure leaves the session without a
// connection; the registry entry is retained so a later call retries.
func (s *Session) bringUp(attempt *initAttempt) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := s.dial(ctx, s.id)

	s.mu.Lock()
	s.init = nil
	if err != nil {
		s.transitionLocked(StateUninitialized)
		s.mu.Unlock()
		s.logger.Error("session bring-up failed", "session_id", s.id, "error", err)
		if s.metrics != nil {
			s.metrics.ObserveBringUp("error", time.Since(start).Seconds())
		}
		attempt.err = err
		close(attempt.done)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("session bring-up complete", "session_id", s.id)
	if s.metrics != nil {
		s.metrics.ObserveBringUp("ok", time.Since(start).Seconds())
	}
	go s.run(conn)
	close(attempt.done)
}

// run is the per-session coordinator: the only goroutine that applies
// events from the underlying client to session state.
func (s *Session) run(conn Conn) {
	for evt := range conn.Events() {
		switch evt.Type {
		case bridge.EventQR:
			s.onQR(evt.QR)
		case bridge.EventReady:
			s.onReady(evt.Self)
		case bridge.EventAuthFailure:
			s.onAuthFailure(evt.Reason)
		case bridge.EventDisconnected:
			s.onDisconnected(evt.Reason)
		case bridge.EventMessage:
			s.onMessage(evt)
		}
	}

	// Event stream ended: the underlying client is gone. Drop the
	// connection so a later connect call re-attempts bring-up.
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	wasLive := s.state == StateConnected || s.state == StateAwaitingScan || s.state == StateInitializing
	if wasLive {
		s.transitionLocked(StateDisconnected)
	}
	s.mu.Unlock()
	if wasLive {
		s.persistStatus(StatusDisconnected, "")
		s.logger.Warn("session event stream ended", "session_id", s.id)
	}
}

func (s *Session) onQR(raw string) {
	rendered, err := renderQR(raw)
	if err != nil {
		s.logger.Error("failed to render QR payload", "session_id", s.id, "error", err)
		return
	}
	s.mu.Lock()
	s.qrCode = rendered
	s.transitionLocked(StateAwaitingScan)
	s.mu.Unlock()

	s.logger.Info("QR code generated", "session_id", s.id)
	s.persistStatus(StatusPending, rendered)
}

func (s *Session) onReady(self string) {
	s.mu.Lock()
	s.qrCode = ""
	s.phoneNumber = self
	s.lastSeen = time.Now().UTC()
	s.transitionLocked(StateConnected)
	configure := s.webhookURL == "" && s.ingressURL != ""
	if configure {
		// Configured exactly once per session lifetime.
		s.webhookURL = s.ingressURL
		s.webhookEvents = []string{"message"}
	}
	s.mu.Unlock()

	s.logger.Info("session ready", "session_id", s.id, "phone", DisplayNumber(self))
	s.persistStatus(StatusConnected, "")
}

func (s *Session) onAuthFailure(reason string) {
	s.mu.Lock()
	s.qrCode = ""
	s.transitionLocked(StateAuthFailed)
	s.mu.Unlock()

	s.logger.Error("session authentication failed", "session_id", s.id, "reason", reason)
	s.persistStatus(StatusDisconnected, "")
}

func (s *Session) onDisconnected(reason string) {
	s.mu.Lock()
	s.qrCode = ""
	s.transitionLocked(StateDisconnected)
	s.mu.Unlock()

	s.logger.Warn("session disconnected", "session_id", s.id, "reason", reason)
	s.persistStatus(StatusDisconnected, "")
}

func (s *Session) onMessage(evt bridge.Event) {
	msg := InboundMessage{
		From:      evt.From,
		Type:      evt.MessageType,
		Body:      evt.Body,
		Timestamp: time.Unix(evt.Timestamp, 0).UTC(),
	}

	s.mu.Lock()
	webhookURL := s.webhookURL
	forward := webhookURL != "" && contains(s.webhookEvents, "message")
	s.mu.Unlock()

	if err := s.msgLog.Append(context.Background(), s.companyID, LoggedMessage{
		From:      msg.From,
		Type:      msg.Type,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	}); err != nil {
		s.logger.Warn("failed to record inbound message", "session_id", s.id, "error", err)
	}

	if !forward {
		return
	}
	// Fire-and-forget: delivery must never block or crash message
	// processing.
	go s.dispatcher.Forward(context.Background(), webhookURL, s.id, msg)
}

func (s *Session) transitionLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(next))
	}
}

// persistStatus mirrors the in-memory state into the durable store.
// Persistence failures degrade observability only; they are logged and
// never interrupt the session.
func (s *Session) persistStatus(status, lastQR string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateStatus(ctx, s.id, status, lastQR); err != nil {
		s.logger.Error("failed to persist session status", "session_id", s.id, "status", status, "error", err)
	}
}

// WaitForPairing blocks the caller until the session has either a QR
// payload or is connected, polling at a fixed interval with a bounded
// attempt count. It returns the final snapshot.
func (s *Session) WaitForPairing(ctx context.Context) Snapshot {
	attemptBudget := pairingPollAttempts
	if s.pairingWait > 0 {
		attemptBudget = int(s.pairingWait / pairingPollInterval)
	}
	snap := s.snapshot()
	for attempts := 0; attempts < attemptBudget; attempts++ {
		if snap.State == StateConnected || snap.QRCode != "" {
			return snap
		}
		select {
		case <-ctx.Done():
			return snap
		case <-time.After(pairingPollInterval):
		}
		snap = s.snapshot()
	}
	return snap
}

// SendText delivers a message through the session's connection. The
// session must be connected.
func (s *Session) SendText(ctx context.Context, to, body string) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		if s.metrics != nil {
			s.metrics.ObserveOutbound("rejected")
		}
		return ErrSessionNotConnected
	}
	if err := conn.SendText(ctx, to, body); err != nil {
		if s.metrics != nil {
			s.metrics.ObserveOutbound("error")
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveOutbound("ok")
	}
	return nil
}

// close tears down the underlying connection, best effort.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(ctx); err != nil {
		s.logger.Warn("session teardown failed", "session_id", s.id, "error", err)
	}
}

func renderQR(raw string) (string, error) {
	png, err := qrcode.Encode(raw, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
