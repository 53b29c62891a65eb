// Package notify 在評分完成後通知下游（RabbitMQ 或僅寫 log）。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ChuLiYu/phonoscore/pkg/types"
)

var log = slog.Default()

const (
	DefaultExchange   = "phonoscore.events"
	ScoreRoutingKey   = "score.completed"
	connectRetries    = 10
	connectRetryDelay = 5 * time.Second
)

// ErrClosed Notify 在 Close 之後被呼叫
var ErrClosed = errors.New("notify: notifier closed")

// Notifier 評分完成時的通知端
type Notifier interface {
	Notify(ctx context.Context, recordingID string, score types.PronunciationScore) error
}

// ScoreEvent 發佈到 exchange 的訊息內容
type ScoreEvent struct {
	RecordingID string             `json:"recording_id"`
	OverallPct  float64            `json:"overall_pct"`
	PerPhoneme  map[string]float64 `json:"per_phoneme"`
	Confidence  float64            `json:"confidence"`
}

func newScoreEvent(recordingID string, score types.PronunciationScore) ScoreEvent {
	return ScoreEvent{
		RecordingID: recordingID,
		OverallPct:  score.OverallPct,
		PerPhoneme:  score.PerPhoneme,
		Confidence:  score.Confidence,
	}
}

// ============================================================================
// RabbitMQ
// ============================================================================

// Channel AMQP 用到的 channel 操作；*amqp.Channel 滿足此介面
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP 將 ScoreEvent 以 persistent JSON 發佈到 topic exchange
type AMQP struct {
	mu       sync.Mutex
	ch       Channel
	conn     *amqp.Connection // Dial 建立時才有
	exchange string
	closed   bool
}

// NewAMQP 在既有 channel 上宣告 exchange
func NewAMQP(ch Channel, exchange string) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &AMQP{ch: ch, exchange: exchange}, nil
}

// Dial 連線 RabbitMQ（失敗時重試），開 channel 並宣告 exchange
func Dial(ctx context.Context, url, exchange string) (*AMQP, error) {
	conn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	n, err := NewAMQP(ch, exchange)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	n.conn = conn
	log.Info("AMQP notifier ready", "exchange", n.exchange)
	return n, nil
}

func connect(ctx context.Context, url string) (*amqp.Connection, error) {
	var err error
	for i := 0; i < connectRetries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		if i == connectRetries-1 {
			break
		}
		log.Warn("RabbitMQ connect failed, retrying",
			"attempt", i+1, "max", connectRetries, "in", connectRetryDelay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryDelay):
		}
	}
	return nil, fmt.Errorf("notify: connect after %d attempts: %w", connectRetries, err)
}

func (n *AMQP) Notify(ctx context.Context, recordingID string, score types.PronunciationScore) error {
	body, err := json.Marshal(newScoreEvent(recordingID, score))
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	err = n.ch.PublishWithContext(ctx,
		n.exchange,      // exchange
		ScoreRoutingKey, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    recordingID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", recordingID, err)
	}
	return nil
}

// Close 關閉 channel；若由 Dial 建立也一併關閉連線
func (n *AMQP) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	err := n.ch.Close()
	if n.conn != nil {
		err = errors.Join(err, n.conn.Close())
	}
	return err
}

// ============================================================================
// Log
// ============================================================================

// Log 只寫結構化 log，本地執行或未設定 AMQP_URL 時使用
type Log struct {
	logger *slog.Logger
}

// NewLog logger 為 nil 時使用 slog.Default()
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, recordingID string, score types.PronunciationScore) error {
	l.logger.InfoContext(ctx, "Score completed",
		"recording_id", recordingID,
		"overall_pct", score.OverallPct,
		"confidence", score.Confidence)
	return nil
}
