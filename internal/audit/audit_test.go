package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
)

type fakePublisher struct {
	subject string
	data    []byte
	opts    int
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subject
	f.data = payload
	f.opts = len(opts)
	return &jetstream.PubAck{Stream: StreamName, Sequence: 1}, nil
}

func testEvent() domain.AuditEvent {
	return NewEvent(
		domain.Actor{UserID: uuid.New(), Email: "admin@example.com"},
		domain.AuditActionWithdrawalApprove,
		domain.AuditTargetWithdrawal,
		uuid.NewString(),
		map[string]any{"previous_status": "REVIEW_PENDING", "next_status": "APPROVED"},
	)
}

func TestNewEvent(t *testing.T) {
	e := testEvent()
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, "admin@example.com", e.ActorEmail)
}

func TestNATSRecorder_Log(t *testing.T) {
	pub := &fakePublisher{}
	r := NewNATSRecorder(pub, "audit")
	event := testEvent()

	require.NoError(t, r.Log(context.Background(), event))

	assert.Equal(t, "audit.withdrawal.withdrawal_approve", pub.subject)
	assert.Equal(t, 1, pub.opts)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(pub.data, &msg))
	assert.Equal(t, event.ID.String(), msg["id"])
	assert.Equal(t, "WITHDRAWAL_APPROVE", msg["action"])
	assert.Equal(t, event.TargetID, msg["target_id"])
	meta, ok := msg["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "APPROVED", meta["next_status"])
}

func TestNATSRecorder_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	r := NewNATSRecorder(pub, "audit")

	err := r.Log(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	var first, second []domain.AuditEvent
	f := NewFanout(nil,
		Sink{Name: "a", Recorder: RecorderFunc(func(_ context.Context, e domain.AuditEvent) error {
			first = append(first, e)
			return nil
		})},
		Sink{Name: "b", Recorder: RecorderFunc(func(_ context.Context, e domain.AuditEvent) error {
			second = append(second, e)
			return nil
		})},
	)

	require.NoError(t, f.Log(context.Background(), testEvent()))
	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
}

func TestFanout_ContinuesAfterFailure(t *testing.T) {
	errSink := errors.New("sink down")
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	var delivered int
	f := NewFanout(m,
		Sink{Name: "postgres", Recorder: RecorderFunc(func(context.Context, domain.AuditEvent) error { return errSink })},
		Sink{Name: "nats", Recorder: RecorderFunc(func(context.Context, domain.AuditEvent) error {
			delivered++
			return nil
		})},
	)

	err := f.Log(context.Background(), testEvent())
	require.ErrorIs(t, err, errSink)
	assert.Contains(t, err.Error(), "postgres")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditFailures.WithLabelValues("postgres")))
}

func TestRecord(t *testing.T) {
	errDown := errors.New("down")

	assert.NoError(t, Record(context.Background(), nil, testEvent()))
	assert.NoError(t, Record(context.Background(), Nop, testEvent()))
	assert.ErrorIs(t, Record(context.Background(), RecorderFunc(func(context.Context, domain.AuditEvent) error {
		return errDown
	}), testEvent()), errDown)
}

type fakeAuditRepo struct {
	created []domain.AuditEvent
}

func (f *fakeAuditRepo) Create(_ context.Context, e *domain.AuditEvent) error {
	f.created = append(f.created, *e)
	return nil
}

func TestPostgresRecorder_Log(t *testing.T) {
	repo := &fakeAuditRepo{}
	r := NewPostgresRecorder(repo)
	event := testEvent()

	require.NoError(t, r.Log(context.Background(), event))
	require.Len(t, repo.created, 1)
	assert.Equal(t, event.ID, repo.created[0].ID)
}
