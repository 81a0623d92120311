package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	messageLogKeyPrefix = "wa_inbound:"
	messageLogTTL       = 30 * 24 * time.Hour
)

// LoggedMessage is one inbound message as kept in the recent-message
// log shown on the company dashboard.
type LoggedMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Type      string    `json:"type"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageLog keeps a bounded list of recent inbound messages per
// company in Redis. It is nil-safe: when Redis is not configured every
// operation is a no-op.
type MessageLog struct {
	redis       *redis.Client
	tracer      trace.Tracer
	maxMessages int64
}

func NewMessageLog(redisClient *redis.Client) *MessageLog {
	if redisClient == nil {
		return nil
	}
	return &MessageLog{
		redis:       redisClient,
		tracer:      otel.Tracer("reserveja.internal.whatsapp.message_log"),
		maxMessages: 200,
	}
}

// Append records an inbound message for the company.
func (l *MessageLog) Append(ctx context.Context, companyID string, msg LoggedMessage) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if companyID == "" {
		return errors.New("whatsapp: message log companyID required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal logged message: %w", err)
	}

	ctx, span := l.tracer.Start(ctx, "whatsapp.message_log.append")
	defer span.End()

	key := messageLogKey(companyID)
	pipe := l.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, messageLogTTL)
	if l.maxMessages > 0 {
		pipe.LTrim(ctx, key, -l.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("whatsapp: append logged message: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent messages, oldest first.
func (l *MessageLog) Recent(ctx context.Context, companyID string, limit int64) ([]LoggedMessage, error) {
	if l == nil || l.redis == nil {
		return nil, nil
	}
	if companyID == "" {
		return nil, errors.New("whatsapp: message log companyID required")
	}

	ctx, span := l.tracer.Start(ctx, "whatsapp.message_log.recent")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := l.redis.LRange(ctx, messageLogKey(companyID), start, -1).Result()
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, redis.Nil) {
			return []LoggedMessage{}, nil
		}
		return nil, fmt.Errorf("whatsapp: list logged messages: %w", err)
	}

	out := make([]LoggedMessage, 0, len(raw))
	for _, item := range raw {
		var msg LoggedMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func messageLogKey(companyID string) string {
	return messageLogKeyPrefix + companyID
}
