package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reserveja/backend/internal/appointments"
	"github.com/reserveja/backend/internal/templates"
	"github.com/reserveja/backend/internal/whatsapp/bridge"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*ConnectionRecord

	findCompanyErr error
	statusUpdates  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*ConnectionRecord)}
}

func (f *fakeStore) FindByCompany(_ context.Context, companyID string) (*ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findCompanyErr != nil {
		return nil, f.findCompanyErr
	}
	for _, rec := range f.records {
		if rec.CompanyID == companyID {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindByInstanceID(_ context.Context, instanceID string) (*ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[instanceID]; ok {
		copied := *rec
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) Create(_ context.Context, companyID, instanceID string) (*ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := &ConnectionRecord{ID: uuid.New(), CompanyID: companyID, InstanceID: instanceID, Status: StatusPending}
	f.records[instanceID] = rec
	return rec, nil
}

func (f *fakeStore) Rekey(_ context.Context, id uuid.UUID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for old, rec := range f.records {
		if rec.ID == id {
			delete(f.records, old)
			rec.InstanceID = instanceID
			f.records[instanceID] = rec
			return nil
		}
	}
	return errors.New("record not found")
}

func (f *fakeStore) UpdateStatus(_ context.Context, instanceID, status, lastQR string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, status)
	if rec, ok := f.records[instanceID]; ok {
		rec.Status = status
		if lastQR != "" {
			rec.LastQRCode = lastQR
		}
	}
	return nil
}

func (f *fakeStore) All(_ context.Context) ([]ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ConnectionRecord
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out, nil
}

// fakeConn feeds scripted events to a session and records sent
// messages.
type fakeConn struct {
	events chan bridge.Event

	mu      sync.Mutex
	sent    []string
	sendErr error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan bridge.Event, 16)}
}

func (c *fakeConn) Events() <-chan bridge.Event { return c.events }

func (c *fakeConn) SendText(_ context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, to+"|"+body)
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// fakeDialer counts bring-ups and hands out fresh conns, optionally
// emitting scripted events on dial.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	script  []bridge.Event
	conns   []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := newFakeConn()
	for _, evt := range d.script {
		conn.events <- evt
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeAppointments struct {
	mu       sync.Mutex
	upcoming *appointments.Appointment
	detail   *appointments.Detail
	updated  map[uuid.UUID]string
	findErr  error
}

func newFakeAppointments() *fakeAppointments {
	return &fakeAppointments{updated: make(map[uuid.UUID]string)}
}

func (f *fakeAppointments) NextUpcomingByPhoneFragment(_ context.Context, _, _ string) (*appointments.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.upcoming, nil
}

func (f *fakeAppointments) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[id] = status
	return nil
}

func (f *fakeAppointments) DetailForMessage(_ context.Context, _ string, _ uuid.UUID) (*appointments.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detail, nil
}

type fakeTemplates struct {
	tpl *templates.Template
}

func (f *fakeTemplates) ActiveByType(context.Context, string, string) (*templates.Template, error) {
	return f.tpl, nil
}

func newTestService(t *testing.T, dialer *fakeDialer, store *fakeStore, appts *fakeAppointments, tpls *fakeTemplates) *Service {
	t.Helper()
	registry := NewRegistry(RegistryConfig{
		Dial:              dialer.dial,
		Store:             store,
		Dispatcher:        NewDispatcher(nil, nil),
		WebhookIngressURL: "http://localhost:8080/webhooks/whatsapp",
	})
	return NewService(ServiceConfig{
		Registry:     registry,
		Store:        store,
		Appointments: appts,
		Templates:    tpls,
	})
}

func awaitState(t *testing.T, session *Session, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := session.snapshot(); snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %s (now %s)", want, session.snapshot().State)
	return Snapshot{}
}

func TestConnectReturnsQRWhileAwaitingScan(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventQR, QR: "pairing-payload"}}}
	store := newFakeStore()
	svc := newTestService(t, dialer, store, newFakeAppointments(), &fakeTemplates{})

	resp, err := svc.Connect(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.Status != ResponseWaitingForScan {
		t.Fatalf("status = %q, want %q", resp.Status, ResponseWaitingForScan)
	}
	if resp.QRCode == "" || resp.QRCode[:22] != "data:image/png;base64," {
		t.Fatalf("expected data URL QR code, got %q", resp.QRCode)
	}

	rec, err := store.FindByCompany(context.Background(), "company-1")
	if err != nil || rec == nil {
		t.Fatalf("expected connection record, got %+v err %v", rec, err)
	}
	if rec.InstanceID != SessionIDFor("company-1") {
		t.Fatalf("unexpected instance id %q", rec.InstanceID)
	}
}

func TestConnectReportsConnectedWithoutQR(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventReady, Self: "5511999998888"}}}
	svc := newTestService(t, dialer, newFakeStore(), newFakeAppointments(), &fakeTemplates{})

	resp, err := svc.Connect(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.Status != ResponseConnected {
		t.Fatalf("status = %q, want connected", resp.Status)
	}
	if resp.QRCode != "" {
		t.Fatalf("connected response must not carry a QR code")
	}
}

func TestConnectSurfacesBringUpFailure(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("sidecar unreachable")}
	svc := newTestService(t, dialer, newFakeStore(), newFakeAppointments(), &fakeTemplates{})

	_, err := svc.Connect(context.Background(), "company-1")
	if err == nil {
		t.Fatal("expected bring-up error")
	}
}

func TestConcurrentConnectTriggersSingleBringUp(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventReady, Self: "5511999998888"}}}
	svc := newTestService(t, dialer, newFakeStore(), newFakeAppointments(), &fakeTemplates{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Connect(context.Background(), "company-1"); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
}

func TestStatusNeverFails(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("sidecar down")}
	store := newFakeStore()
	store.findCompanyErr = errors.New("db down")
	svc := newTestService(t, dialer, store, newFakeAppointments(), &fakeTemplates{})

	resp := svc.Status(context.Background(), "company-1")
	if resp.Status != ResponseDisconnected {
		t.Fatalf("status = %q, want disconnected", resp.Status)
	}
}

func TestStatusReportsLiveSession(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventReady, Self: "5511988887777"}}}
	svc := newTestService(t, dialer, newFakeStore(), newFakeAppointments(), &fakeTemplates{})

	if _, err := svc.Connect(context.Background(), "company-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp := svc.Status(context.Background(), "company-1")
	if resp.Status != ResponseConnected {
		t.Fatalf("status = %q, want connected", resp.Status)
	}
	if resp.PhoneNumber == "" {
		t.Fatal("expected a display phone number")
	}
}

func TestSendTextRejectsWhenNotConnected(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventQR, QR: "payload"}}}
	svc := newTestService(t, dialer, newFakeStore(), newFakeAppointments(), &fakeTemplates{})

	session := svc.registry.Ensure("company-1")
	if err := session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	awaitState(t, session, StateAwaitingScan)

	// The gate must fire before number validation: even a garbage
	// destination reports the session problem first.
	err := svc.SendText(context.Background(), "company-1", "not-a-number", "hello")
	if !errors.Is(err, ErrSessionNotConnected) {
		t.Fatalf("err = %v, want ErrSessionNotConnected", err)
	}
}

func TestSendTextNormalizesDestination(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventReady, Self: "5511999998888"}}}
	svc := newTestService(t, dialer, newFakeStore(), newFakeAppointments(), &fakeTemplates{})

	session := svc.registry.Ensure("company-1")
	if err := session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	awaitState(t, session, StateConnected)

	if err := svc.SendText(context.Background(), "company-1", "(11) 98888-7777", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := dialer.lastConn().sentMessages()
	if len(sent) != 1 || sent[0] != "5511988887777@c.us|hello" {
		t.Fatalf("unexpected sends: %v", sent)
	}
}

func TestSendTextRejectsInvalidNumber(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventReady, Self: "5511999998888"}}}
	svc := newTestService(t, dialer, newFakeStore(), newFakeAppointments(), &fakeTemplates{})

	session := svc.registry.Ensure("company-1")
	if err := session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	awaitState(t, session, StateConnected)

	err := svc.SendText(context.Background(), "company-1", "12345", "hello")
	if !errors.Is(err, ErrInvalidNumberFormat) {
		t.Fatalf("err = %v, want ErrInvalidNumberFormat", err)
	}
}

func TestSendConfirmationRendersTemplate(t *testing.T) {
	dialer := &fakeDialer{script: []bridge.Event{{Type: bridge.EventReady, Self: "5511999998888"}}}
	appts := newFakeAppointments()
	id := uuid.New()
	appts.detail = &appointments.Detail{
		Appointment: appointments.Appointment{
			ID: id, CompanyID: "company-1",
			Date: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
			Time: "14:00",
		},
		ClientName:  "Maria",
		ClientPhone: "11988887777",
		ServiceName: "Corte",
	}
	tpls := &fakeTemplates{tpl: &templates.Template{Content: "Oi {{nome_cliente}}, {{servico}} dia {{data}} às {{hora}}."}}
	svc := newTestService(t, dialer, newFakeStore(), appts, tpls)

	session := svc.registry.Ensure("company-1")
	if err := session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	awaitState(t, session, StateConnected)

	if err := svc.SendConfirmation(context.Background(), "company-1", id); err != nil {
		t.Fatalf("send confirmation: %v", err)
	}
	sent := dialer.lastConn().sentMessages()
	want := "5511988887777@c.us|Oi Maria, Corte dia 2026-09-10 às 14:00."
	if len(sent) != 1 || sent[0] != want {
		t.Fatalf("sent = %v, want %q", sent, want)
	}
}

func TestSendConfirmationUnknownAppointment(t *testing.T) {
	svc := newTestService(t, &fakeDialer{}, newFakeStore(), newFakeAppointments(), &fakeTemplates{})
	err := svc.SendConfirmation(context.Background(), "company-1", uuid.New())
	if !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("err = %v, want ErrAppointmentNotFound", err)
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleInboundClassification(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"digit one confirms", "1", appointments.StatusConfirmed},
		{"sim confirms", " Sim ", appointments.StatusConfirmed},
		{"digit two reschedules", "2", appointments.StatusRescheduleRequested},
		{"remarcar substring reschedules", "quero remarcar por favor", appointments.StatusRescheduleRequested},
		{"digit three cancels", "3", appointments.StatusCanceled},
		{"nao vou cancels", "não vou conseguir ir", appointments.StatusCanceled},
		{"later rule wins on overlap", "sim, mas quero remarcar", appointments.StatusRescheduleRequested},
		{"unrecognized keeps status", "obrigado", appointments.StatusScheduled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			if _, err := store.Create(context.Background(), "company-1", SessionIDFor("company-1")); err != nil {
				t.Fatalf("seed record: %v", err)
			}
			appts := newFakeAppointments()
			id := uuid.New()
			appts.upcoming = &appointments.Appointment{ID: id, CompanyID: "company-1", Status: appointments.StatusScheduled}
			svc := newTestService(t, &fakeDialer{}, store, appts, &fakeTemplates{})

			result, err := svc.HandleInbound(context.Background(), InboundPayload{
				SessionID: SessionIDFor("company-1"),
				From:      "5511988887777@c.us",
				Message:   rawJSON(t, map[string]string{"content": tc.text}),
			})
			if err != nil {
				t.Fatalf("handle inbound: %v", err)
			}
			if !result.Acknowledged {
				t.Fatal("expected acknowledgment")
			}
			if result.Status != tc.want {
				t.Fatalf("status = %q, want %q", result.Status, tc.want)
			}
			if tc.want != appointments.StatusScheduled {
				if appts.updated[id] != tc.want {
					t.Fatalf("persisted status = %q, want %q", appts.updated[id], tc.want)
				}
			} else if len(appts.updated) != 0 {
				t.Fatalf("no update expected, got %v", appts.updated)
			}
		})
	}
}

func TestHandleInboundStringMessage(t *testing.T) {
	store := newFakeStore()
	if _, err := store.Create(context.Background(), "company-1", SessionIDFor("company-1")); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	appts := newFakeAppointments()
	id := uuid.New()
	appts.upcoming = &appointments.Appointment{ID: id, CompanyID: "company-1", Status: appointments.StatusScheduled}
	svc := newTestService(t, &fakeDialer{}, store, appts, &fakeTemplates{})

	result, err := svc.HandleInbound(context.Background(), InboundPayload{
		SessionID: SessionIDFor("company-1"),
		Phone:     "5511988887777",
		Message:   rawJSON(t, "sim"),
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if result.Status != appointments.StatusConfirmed {
		t.Fatalf("status = %q, want confirmed", result.Status)
	}
}

func TestHandleInboundUnknownInstance(t *testing.T) {
	svc := newTestService(t, &fakeDialer{}, newFakeStore(), newFakeAppointments(), &fakeTemplates{})
	_, err := svc.HandleInbound(context.Background(), InboundPayload{
		SessionID: "reserveja_company_missing",
		From:      "5511988887777",
		Message:   rawJSON(t, "sim"),
	})
	if !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("err = %v, want ErrUnknownInstance", err)
	}
}

func TestHandleInboundWithoutPhoneAcknowledges(t *testing.T) {
	store := newFakeStore()
	if _, err := store.Create(context.Background(), "company-1", SessionIDFor("company-1")); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	svc := newTestService(t, &fakeDialer{}, store, newFakeAppointments(), &fakeTemplates{})

	result, err := svc.HandleInbound(context.Background(), InboundPayload{
		SessionID: SessionIDFor("company-1"),
		Message:   rawJSON(t, "sim"),
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if !result.Acknowledged || result.Status != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHandleInboundNoUpcomingAppointment(t *testing.T) {
	store := newFakeStore()
	if _, err := store.Create(context.Background(), "company-1", SessionIDFor("company-1")); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	svc := newTestService(t, &fakeDialer{}, store, newFakeAppointments(), &fakeTemplates{})

	result, err := svc.HandleInbound(context.Background(), InboundPayload{
		SessionID: SessionIDFor("company-1"),
		From:      "5511988887777@c.us",
		Message:   rawJSON(t, "1"),
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if !result.Acknowledged || result.Status != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEnsureRecordRekeysChangedDerivation(t *testing.T) {
	store := newFakeStore()
	rec, err := store.Create(context.Background(), "company-1", "legacy_company-1")
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	svc := newTestService(t, &fakeDialer{}, store, newFakeAppointments(), &fakeTemplates{})

	if err := svc.ensureRecord(context.Background(), "company-1", SessionIDFor("company-1")); err != nil {
		t.Fatalf("ensure record: %v", err)
	}
	updated, err := store.FindByCompany(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if updated == nil || updated.ID != rec.ID {
		t.Fatalf("record replaced instead of rekeyed: %+v", updated)
	}
	if updated.InstanceID != SessionIDFor("company-1") {
		t.Fatalf("instance id = %q", updated.InstanceID)
	}
}
