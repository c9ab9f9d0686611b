package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	key  string
	msgs []amqp.Publishing
	err  error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.key = key
	c.msgs = append(c.msgs, msg)
	return c.err
}

type ackRecorder struct {
	acks  int
	nacks int
}

func (a *ackRecorder) Ack(uint64, bool) error        { a.acks++; return nil }
func (a *ackRecorder) Nack(uint64, bool, bool) error { a.nacks++; return nil }
func (a *ackRecorder) Reject(uint64, bool) error     { a.nacks++; return nil }

func TestPublisher_Notify(t *testing.T) {
	ch := &recordingChannel{}
	p := &Publisher{pub: ch, queue: "scan_dispatch"}
	jobID := uuid.New()

	require.NoError(t, p.Notify(context.Background(), models.QueueDetection, jobID))

	assert.Equal(t, "scan_dispatch", ch.key)
	require.Len(t, ch.msgs, 1)
	assert.Equal(t, amqp.Persistent, ch.msgs[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)

	var n Nudge
	require.NoError(t, json.Unmarshal(ch.msgs[0].Body, &n))
	assert.Equal(t, models.QueueDetection, n.Queue)
	assert.Equal(t, jobID, n.JobID)
}

func TestPublisher_NotifyError(t *testing.T) {
	p := &Publisher{pub: &recordingChannel{err: amqp.ErrClosed}, queue: "q"}
	assert.ErrorIs(t, p.Notify(context.Background(), models.QueueDetection, uuid.New()), amqp.ErrClosed)
}

func delivery(t *testing.T, ack *ackRecorder, body []byte) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func nudgeBody(t *testing.T, q models.Queue) []byte {
	t.Helper()
	b, err := json.Marshal(Nudge{Queue: q, JobID: uuid.New(), At: time.Now()})
	require.NoError(t, err)
	return b
}

func TestServe_RunsAndAcks(t *testing.T) {
	ack := &ackRecorder{}
	msgs := make(chan amqp.Delivery, 3)
	msgs <- delivery(t, ack, nudgeBody(t, models.QueueDetection))
	msgs <- delivery(t, ack, nudgeBody(t, models.QueueDetection))
	close(msgs)

	var runs []models.Queue
	err := Serve(context.Background(), msgs, func(_ context.Context, q models.Queue) error {
		runs = append(runs, q)
		return nil
	})

	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, []models.Queue{models.QueueDetection, models.QueueDetection}, runs)
	assert.Equal(t, 2, ack.acks)
}

func TestServe_FailedRunStillAcks(t *testing.T) {
	ack := &ackRecorder{}
	msgs := make(chan amqp.Delivery, 1)
	msgs <- delivery(t, ack, nudgeBody(t, models.QueueDetection))
	close(msgs)

	_ = Serve(context.Background(), msgs, func(context.Context, models.Queue) error {
		return errors.New("no active accounts")
	})
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestServe_MalformedIsRejected(t *testing.T) {
	ack := &ackRecorder{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- delivery(t, ack, []byte("not json"))
	msgs <- delivery(t, ack, []byte(`{"job_id":"`+uuid.NewString()+`"}`))
	close(msgs)

	called := false
	_ = Serve(context.Background(), msgs, func(context.Context, models.Queue) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.Equal(t, 2, ack.nacks)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Serve(ctx, make(chan amqp.Delivery), func(context.Context, models.Queue) error { return nil })
	assert.NoError(t, err)
}
