package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/reserveja/backend/pkg/logging"
)

const sessionIDPrefix = "reserveja_company_"

// SessionIDFor derives the stable session identifier for a company.
// The id doubles as the underlying client's auth-persistence key.
func SessionIDFor(companyID string) string {
	return sessionIDPrefix + companyID
}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Dial       DialFunc
	Store      ConnectionRecords
	Dispatcher *Dispatcher
	MessageLog *MessageLog
	Metrics    Metrics
	Logger     *logging.Logger
	// WebhookIngressURL is configured on each session's first ready
	// transition as its forwarding target.
	WebhookIngressURL string
	// PairingWaitTimeout bounds how long a connect call waits for the
	// QR payload. Zero keeps the default.
	PairingWaitTimeout time.Duration
}

// Registry is the process-wide table of live sessions, keyed by
// session id. It is an explicitly constructed instance with its own
// lifecycle: created at process start, reconciled against the durable
// store, torn down at process stop.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	dial        DialFunc
	store       ConnectionRecords
	dispatcher  *Dispatcher
	msgLog      *MessageLog
	metrics     Metrics
	logger      *logging.Logger
	ingressURL  string
	pairingWait time.Duration
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		dial:        cfg.Dial,
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		msgLog:      cfg.MessageLog,
		metrics:     cfg.Metrics,
		logger:      logger.Named("whatsapp.registry"),
		ingressURL:  cfg.WebhookIngressURL,
		pairingWait: cfg.PairingWaitTimeout,
	}
}

// Ensure returns the company's session, creating the in-memory entry
// if needed. Creation never starts a bring-up by itself.
func (r *Registry) Ensure(companyID string) *Session {
	sessionID := SessionIDFor(companyID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sessionID]; ok {
		return existing
	}
	session := &Session{
		id:          sessionID,
		companyID:   companyID,
		state:       StateUninitialized,
		dial:        r.dial,
		store:       r.store,
		dispatcher:  r.dispatcher,
		msgLog:      r.msgLog,
		metrics:     r.metrics,
		logger:      r.logger,
		ingressURL:  r.ingressURL,
		pairingWait: r.pairingWait,
	}
	r.sessions[sessionID] = session
	return session
}

// Lookup returns the live session for a session id without creating
// one.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// ReconcileOnStartup re-initializes every persisted connection, so
// previously paired sessions come back without tenant interaction.
// Records last seen as disconnected are re-initialized too, matching
// the behavior this replaces; flagged for product review. Failures
// are logged and non-fatal: the session stays unreachable until the
// next status or connect call retries.
func (r *Registry) ReconcileOnStartup(ctx context.Context) {
	records, err := r.store.All(ctx)
	if err != nil {
		r.logger.Error("startup reconciliation failed to list connections", "error", err)
		return
	}
	for _, rec := range records {
		session := r.Ensure(rec.CompanyID)
		go func(rec ConnectionRecord) {
			if err := session.EnsureStarted(ctx); err != nil {
				r.logger.Warn("failed to reopen session on startup",
					"session_id", rec.InstanceID, "error", err)
			}
		}(rec)
	}
	r.logger.Info("startup reconciliation scheduled", "sessions", len(records))
}

// Shutdown tears down every live connection, best effort, bounded by
// ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(session *Session) {
			defer wg.Done()
			session.close(ctx)
		}(session)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("all sessions closed")
	case <-ctx.Done():
		r.logger.Warn("shutdown timed out before all sessions closed")
	}
}
