package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

const StreamName = "EXCHANGE_AUDIT"

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSRecorder publishes events to JetStream on
// <prefix>.<target_type>.<action>, lower-cased.
type NATSRecorder struct {
	js     publisher
	prefix string
}

func NewNATSRecorder(js publisher, prefix string) *NATSRecorder {
	return &NATSRecorder{js: js, prefix: prefix}
}

type eventMessage struct {
	ID          uuid.UUID      `json:"id"`
	ActorUserID uuid.UUID      `json:"actor_user_id"`
	ActorEmail  string         `json:"actor_email"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (r *NATSRecorder) Subject(event domain.AuditEvent) string {
	return strings.ToLower(fmt.Sprintf("%s.%s.%s", r.prefix, event.TargetType, event.Action))
}

func (r *NATSRecorder) Log(ctx context.Context, event domain.AuditEvent) error {
	data, err := json.Marshal(eventMessage{
		ID:          event.ID,
		ActorUserID: event.ActorUserID,
		ActorEmail:  event.ActorEmail,
		Action:      event.Action,
		TargetType:  event.TargetType,
		TargetID:    event.TargetID,
		Metadata:    event.Metadata,
		CreatedAt:   event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("NATSRecorder.Log: marshal: %w", err)
	}

	// the event id doubles as the JetStream dedup key
	if _, err := r.js.Publish(ctx, r.Subject(event), data, jetstream.WithMsgID(event.ID.String())); err != nil {
		return fmt.Errorf("NATSRecorder.Log: publish: %w", err)
	}
	return nil
}

// EnsureStream creates or updates the stream that captures every audit subject.
func EnsureStream(ctx context.Context, js jetstream.JetStream, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{strings.ToLower(prefix) + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("EnsureStream: %w", err)
	}
	return nil
}

// ConnectNATS dials url with unlimited reconnects and returns a JetStream handle.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("exchange-backoffice"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("ConnectNATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ConnectNATS: jetstream: %w", err)
	}
	return nc, js, nil
}
