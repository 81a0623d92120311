package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reserveja/backend/internal/appointments"
	"github.com/reserveja/backend/internal/templates"
	"github.com/reserveja/backend/pkg/logging"
)

// ErrAppointmentNotFound indicates a confirmation was requested for an
// appointment outside the company's scope.
var ErrAppointmentNotFound = errors.New("whatsapp: appointment not found")

// Response statuses reported to tenants.
const (
	ResponseConnected      = "connected"
	ResponseWaitingForScan = "waiting_for_scan"
	ResponseDisconnected   = "disconnected"
)

// AppointmentSource is the booking-domain boundary the gateway needs:
// reply matching and notification rendering, nothing more.
type AppointmentSource interface {
	NextUpcomingByPhoneFragment(ctx context.Context, companyID, fragment string) (*appointments.Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	DetailForMessage(ctx context.Context, companyID string, id uuid.UUID) (*appointments.Detail, error)
}

// TemplateSource resolves company message templates.
type TemplateSource interface {
	ActiveByType(ctx context.Context, companyID, templateType string) (*templates.Template, error)
}

// Service exposes the gateway's public operations. Tenant ids arrive
// already authorized; the service trusts them.
type Service struct {
	registry   *Registry
	store      ConnectionRecords
	appts      AppointmentSource
	tpls       TemplateSource
	msgLog     *MessageLog
	metrics    Metrics
	logger     *logging.Logger
	defaultDDD string
}

// ServiceConfig wires the service's collaborators.
type ServiceConfig struct {
	Registry     *Registry
	Store        ConnectionRecords
	Appointments AppointmentSource
	Templates    TemplateSource
	MessageLog   *MessageLog
	Metrics      Metrics
	Logger       *logging.Logger
	DefaultDDD   string
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ddd := cfg.DefaultDDD
	if ddd == "" {
		ddd = DefaultDDD
	}
	return &Service{
		registry:   cfg.Registry,
		store:      cfg.Store,
		appts:      cfg.Appointments,
		tpls:       cfg.Templates,
		msgLog:     cfg.MessageLog,
		metrics:    cfg.Metrics,
		logger:     logger.Named("whatsapp.service"),
		defaultDDD: ddd,
	}
}

// ConnectResponse is the result of a connect call. QRCode is present
// only while the session awaits pairing.
type ConnectResponse struct {
	Status string `json:"status"`
	QRCode string `json:"qr_code,omitempty"`
}

// StatusResponse is the non-blocking session projection.
type StatusResponse struct {
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Connect ensures the company has a connection record and a running
// session, then waits (bounded) for either a QR payload or readiness.
func (s *Service) Connect(ctx context.Context, companyID string) (ConnectResponse, error) {
	sessionID := SessionIDFor(companyID)
	if err := s.ensureRecord(ctx, companyID, sessionID); err != nil {
		return ConnectResponse{Status: ResponseDisconnected}, err
	}

	session := s.registry.Ensure(companyID)
	if err := session.EnsureStarted(ctx); err != nil {
		return ConnectResponse{Status: ResponseDisconnected}, fmt.Errorf("whatsapp: session bring-up: %w", err)
	}

	snap := session.snapshot()
	if snap.State != StateConnected {
		snap = session.WaitForPairing(ctx)
	}

	switch {
	case snap.State == StateConnected:
		return ConnectResponse{Status: ResponseConnected}, nil
	case snap.QRCode != "":
		// Mirror the QR into the durable store so a restarted process
		// can still show the pending pairing.
		if err := s.store.UpdateStatus(ctx, sessionID, StatusPending, snap.QRCode); err != nil {
			s.logger.Error("failed to persist pending QR", "session_id", sessionID, "error", err)
		}
		return ConnectResponse{Status: ResponseWaitingForScan, QRCode: snap.QRCode}, nil
	default:
		return ConnectResponse{Status: ResponseDisconnected}, nil
	}
}

// Status reports the session projection without blocking. When no live
// session exists (e.g. after a restart) it attempts a fresh bring-up so
// persisted sessions self-heal. It never fails: any internal error
// degrades to disconnected.
func (s *Service) Status(ctx context.Context, companyID string) StatusResponse {
	sessionID := SessionIDFor(companyID)
	if err := s.ensureRecord(ctx, companyID, sessionID); err != nil {
		s.logger.Warn("status: failed to ensure connection record", "company_id", companyID, "error", err)
		return StatusResponse{Status: ResponseDisconnected}
	}

	if session, ok := s.registry.Lookup(sessionID); ok {
		if snap := session.snapshot(); snap.State != StateUninitialized {
			return projectStatus(snap)
		}
	}

	// No live session in memory: try a fresh bring-up to recover
	// whatever auth state the underlying client has persisted.
	session := s.registry.Ensure(companyID)
	if err := session.EnsureStarted(ctx); err != nil {
		s.logger.Warn("status: could not reopen session", "session_id", sessionID, "error", err)
		return StatusResponse{Status: ResponseDisconnected}
	}
	return projectStatus(session.snapshot())
}

func projectStatus(snap Snapshot) StatusResponse {
	resp := StatusResponse{Status: ResponseDisconnected}
	if snap.PhoneNumber != "" {
		resp.PhoneNumber = DisplayNumber(snap.PhoneNumber)
	}
	switch {
	case snap.State == StateConnected:
		resp.Status = ResponseConnected
	case snap.QRCode != "":
		resp.Status = ResponseWaitingForScan
	}
	return resp
}

// SendText normalizes the destination and delivers a text message
// through the company's session.
func (s *Service) SendText(ctx context.Context, companyID, to, body string) error {
	sessionID := SessionIDFor(companyID)
	if err := s.ensureRecord(ctx, companyID, sessionID); err != nil {
		return err
	}
	session := s.registry.Ensure(companyID)
	if err := session.EnsureStarted(ctx); err != nil {
		return fmt.Errorf("whatsapp: session bring-up: %w", err)
	}
	if session.snapshot().State != StateConnected {
		return ErrSessionNotConnected
	}
	addr, err := NormalizeNumberWithDDD(to, s.defaultDDD)
	if err != nil {
		return err
	}
	return session.SendText(ctx, addr, body)
}

// SendConfirmation renders the company's confirmation template for an
// appointment and sends it to the client.
func (s *Service) SendConfirmation(ctx context.Context, companyID string, appointmentID uuid.UUID) error {
	detail, err := s.appts.DetailForMessage(ctx, companyID, appointmentID)
	if err != nil {
		return err
	}
	if detail == nil {
		return ErrAppointmentNotFound
	}

	content := templates.DefaultConfirmation
	if tpl, err := s.tpls.ActiveByType(ctx, companyID, templates.TypeConfirmation); err != nil {
		return err
	} else if tpl != nil {
		content = tpl.Content
	}

	text := templates.Render(content, map[string]string{
		"nome_cliente": detail.ClientName,
		"servico":      detail.ServiceName,
		"data":         detail.Date.Format("2006-01-02"),
		"hora":         detail.Time,
	})
	return s.SendText(ctx, companyID, detail.ClientPhone, text)
}

// InboundPayload is the webhook ingress body. Message may arrive as a
// bare string or as an object with a content field; the sender comes
// in phone or from.
type InboundPayload struct {
	SessionID  string          `json:"session_id"`
	InstanceID string          `json:"instance_id"`
	Message    json.RawMessage `json:"message"`
	Phone      string          `json:"phone"`
	From       string          `json:"from"`
}

func (p InboundPayload) instanceID() string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.InstanceID
}

func (p InboundPayload) messageText() string {
	if len(p.Message) == 0 {
		return ""
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(p.Message, &obj); err == nil && obj.Content != "" {
		return obj.Content
	}
	var text string
	if err := json.Unmarshal(p.Message, &text); err == nil {
		return text
	}
	return ""
}

func (p InboundPayload) sender() string {
	if p.Phone != "" {
		return p.Phone
	}
	return p.From
}

// InboundResult acknowledges an ingress payload; Status is set when an
// appointment transition was persisted.
type InboundResult struct {
	Acknowledged bool   `json:"acknowledged"`
	Status       string `json:"status,omitempty"`
}

// HandleInbound classifies a forwarded reply and advances the matching
// appointment. Unknown instances fail with ErrUnknownInstance; every
// other outcome acknowledges, action or not.
func (s *Service) HandleInbound(ctx context.Context, payload InboundPayload) (InboundResult, error) {
	instanceID := payload.instanceID()
	if instanceID == "" {
		s.observeInbound("unknown_instance")
		return InboundResult{}, ErrUnknownInstance
	}
	record, err := s.store.FindByInstanceID(ctx, instanceID)
	if err != nil {
		s.observeInbound("error")
		return InboundResult{}, err
	}
	if record == nil {
		s.observeInbound("unknown_instance")
		return InboundResult{}, ErrUnknownInstance
	}

	suffix := NormalizeForLookup(payload.sender())
	if suffix == "" {
		s.observeInbound("no_phone")
		return InboundResult{Acknowledged: true}, nil
	}

	appt, err := s.appts.NextUpcomingByPhoneFragment(ctx, record.CompanyID, suffix)
	if err != nil {
		s.observeInbound("error")
		return InboundResult{}, err
	}
	if appt == nil {
		s.observeInbound("no_appointment")
		return InboundResult{Acknowledged: true}, nil
	}

	status := classifyReply(payload.messageText(), appt.Status)
	if status != appt.Status {
		if err := s.appts.UpdateStatus(ctx, appt.ID, status); err != nil {
			s.observeInbound("error")
			return InboundResult{}, err
		}
	}
	s.observeInbound("ok")
	return InboundResult{Acknowledged: true, Status: status}, nil
}

// classifyReply maps a client reply onto an appointment status. The
// checks are applied in sequence, so a message matching several rules
// takes the last matching status.
func classifyReply(text, current string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	status := current
	if normalized == "1" || normalized == "sim" {
		status = appointments.StatusConfirmed
	}
	if normalized == "2" || strings.Contains(normalized, "remarcar") {
		status = appointments.StatusRescheduleRequested
	}
	if normalized == "3" || strings.Contains(normalized, "não vou") {
		status = appointments.StatusCanceled
	}
	return status
}

// RecentMessages returns the company's recent inbound messages from
// the redis log.
func (s *Service) RecentMessages(ctx context.Context, companyID string, limit int64) ([]LoggedMessage, error) {
	return s.msgLog.Recent(ctx, companyID, limit)
}

// ensureRecord guarantees exactly one connection record per company,
// re-keying (never duplicating) when the session id derivation has
// changed.
func (s *Service) ensureRecord(ctx context.Context, companyID, sessionID string) error {
	record, err := s.store.FindByCompany(ctx, companyID)
	if err != nil {
		return err
	}
	if record == nil {
		_, err := s.store.Create(ctx, companyID, sessionID)
		return err
	}
	if record.InstanceID != sessionID {
		return s.store.Rekey(ctx, record.ID, sessionID)
	}
	return nil
}

func (s *Service) observeInbound(status string) {
	if s.metrics != nil {
		s.metrics.ObserveInboundWebhook(status)
	}
}
