// Package notify emits best-effort state-change messages to the
// message broker. Delivery failures are logged and discarded; they
// never delay or fail a build.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/indexforge/indexforge/pkg/errors"
)

// Message is one notification: a JSON body plus out-of-band tags
// delivered as headers.
type Message struct {
	Subject string
	Body    any
	Tags    map[string]string
}

// Sender delivers notifications. Publish must never block the caller
// on broker availability.
type Sender interface {
	Publish(msg Message)
	Close()
}

// NATSSender publishes messages over a NATS connection through a
// buffered queue drained by a dedicated goroutine, so a slow broker
// cannot stall a build worker.
type NATSSender struct {
	conn  *nats.Conn
	queue chan Message
	done  chan struct{}
	once  sync.Once
}

// NewNATSSender connects to the broker and starts the drain loop.
func NewNATSSender(url string, buffer int) (*NATSSender, error) {
	conn, err := nats.Connect(url, nats.Name("indexforge"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to the message broker")
	}

	s := &NATSSender{
		conn:  conn,
		queue: make(chan Message, buffer),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

func (s *NATSSender) drain() {
	defer close(s.done)
	for msg := range s.queue {
		s.send(msg)
	}
}

func (s *NATSSender) send(msg Message) {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		slog.Warn("notification_encode_failed", "subject", msg.Subject, "error", err)
		return
	}

	m := nats.NewMsg(msg.Subject)
	m.Data = body
	m.Header.Set("message-id", uuid.NewString())
	for key, value := range msg.Tags {
		m.Header.Set(key, value)
	}

	if err := s.conn.PublishMsg(m); err != nil {
		// Best effort only: log and drop.
		slog.Warn("notification_publish_failed", "subject", msg.Subject, "error", err)
		return
	}
	slog.Debug("notification_published", "subject", msg.Subject)
}

// Publish enqueues a message without blocking. When the buffer is full
// the message is dropped, consistent with best-effort delivery.
func (s *NATSSender) Publish(msg Message) {
	select {
	case s.queue <- msg:
	default:
		slog.Warn("notification_dropped", "subject", msg.Subject, "reason", "queue_full")
	}
}

// Close drains queued messages and closes the broker connection.
func (s *NATSSender) Close() {
	s.once.Do(func() {
		close(s.queue)
		<-s.done
		s.conn.Drain()
		s.conn.Close()
	})
}

// NopSender discards all messages. Used when no broker is configured.
type NopSender struct{}

func (NopSender) Publish(msg Message) {}
func (NopSender) Close()              {}
