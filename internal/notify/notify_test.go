package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phonoscore/pkg/types"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	kinds      []string
	durable    bool
	published  []published
	publishErr error
	declareErr error
	closed     int
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	f.durable = durable
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func TestAMQPPublishesScoreEvent(t *testing.T) {
	ch := &fakeChannel{}
	n, err := NewAMQP(ch, "")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultExchange}, ch.declared)
	assert.Equal(t, []string{"topic"}, ch.kinds)
	assert.True(t, ch.durable)

	score := types.PronunciationScore{
		OverallPct:    87.5,
		PerPhoneme:    map[string]float64{"phoneme_0": 90, "phoneme_1": 85},
		AlignmentCost: 3.2,
		Confidence:    0.8,
	}
	require.NoError(t, n.Notify(context.Background(), "rec-1", score))

	require.Len(t, ch.published, 1)
	p := ch.published[0]
	assert.Equal(t, DefaultExchange, p.exchange)
	assert.Equal(t, ScoreRoutingKey, p.key)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, "application/json", p.msg.ContentType)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(p.msg.Body, &ev))
	assert.Equal(t, "rec-1", ev["recording_id"])
	assert.Equal(t, 87.5, ev["overall_pct"])
	assert.Equal(t, 0.8, ev["confidence"])
	assert.NotContains(t, ev, "alignment_cost")
}

func TestAMQPErrors(t *testing.T) {
	_, err := NewAMQP(&fakeChannel{declareErr: errors.New("access refused")}, "x")
	assert.ErrorContains(t, err, "access refused")

	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	n, err := NewAMQP(ch, "x")
	require.NoError(t, err)
	err = n.Notify(context.Background(), "rec-2", types.PronunciationScore{})
	assert.ErrorContains(t, err, "rec-2")

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, 1, ch.closed)
	assert.ErrorIs(t, n.Notify(context.Background(), "rec-2", types.PronunciationScore{}), ErrClosed)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, n.Notify(context.Background(), "rec-3", types.PronunciationScore{OverallPct: 50}))
	assert.Contains(t, buf.String(), "recording_id=rec-3")
	assert.Contains(t, buf.String(), "overall_pct=50")
}
