package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestForwardPostsEnvelope(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(nil, nil)
	ts := time.Date(2026, 9, 1, 12, 30, 0, 0, time.UTC)
	ok := d.Forward(context.Background(), server.URL, "reserveja_company_1", InboundMessage{
		From: "5511988887777@c.us", Type: "chat", Body: "sim", Timestamp: ts,
	})
	if !ok {
		t.Fatal("forward should succeed")
	}

	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Type != "message" {
		t.Fatalf("type = %q", envelope.Type)
	}
	if envelope.From != "5511988887777@c.us" {
		t.Fatalf("from = %q", envelope.From)
	}
	if envelope.SessionID != "reserveja_company_1" {
		t.Fatalf("session_id = %q", envelope.SessionID)
	}
	if envelope.Message.Content != "sim" || envelope.Message.Type != "chat" {
		t.Fatalf("message = %+v", envelope.Message)
	}
	if envelope.Message.Timestamp != "2026-09-01T12:30:00Z" {
		t.Fatalf("timestamp = %q", envelope.Message.Timestamp)
	}
}

func TestForwardSwallowsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDispatcher(nil, nil)
	if ok := d.Forward(context.Background(), server.URL, "reserveja_company_1", InboundMessage{Body: "oi"}); ok {
		t.Fatal("forward should report failure")
	}
}

func TestForwardUnreachableWebhook(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if ok := d.Forward(context.Background(), "http://127.0.0.1:1/webhook", "reserveja_company_1", InboundMessage{Body: "oi"}); ok {
		t.Fatal("forward should report failure")
	}
}
