// Package events is the push side of the boundary: a single hub fanning
// domain events out to every attached subscriber. Delivery is
// fire-and-forget; a detached subscriber misses events and resynchronizes
// through the bounded replay on reattach.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type Topic string

const (
	TopicAccounts Topic = "accounts"
	TopicStatus   Topic = "status"
	TopicLog      Topic = "log"
	TopicLogs     Topic = "logs"
	TopicMessage  Topic = "message"
	TopicMessages Topic = "messages"
)

const writeWait = 10 * time.Second

// Envelope is the wire shape of every pushed event.
type Envelope struct {
	Topic   Topic `json:"topic"`
	Payload any   `json:"payload"`
}

// Conn is the minimal websocket surface the hub needs. *websocket.Conn
// satisfies it; tests supply fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// textMessage mirrors websocket.TextMessage without importing the package
// here; the hub only ever writes text frames.
const textMessage = 1

type Subscriber struct {
	conn Conn
	mu   sync.Mutex
}

// Publisher fans events out to all live subscribers. Events raised by a
// single instance arrive in order because instances publish from inside
// their own critical section; no ordering holds across instances.
type Publisher struct {
	log  *slog.Logger
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func NewPublisher(log *slog.Logger) *Publisher {
	return &Publisher{
		log:  log,
		subs: make(map[*Subscriber]struct{}),
	}
}

// Attach registers a connection and returns its subscriber handle.
func (p *Publisher) Attach(conn Conn) *Subscriber {
	sub := &Subscriber{conn: conn}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	count := len(p.subs)
	p.mu.Unlock()

	p.log.Info("subscriber_attached", "subscribers", count)
	return sub
}

// Detach removes a subscriber and closes its connection.
func (p *Publisher) Detach(sub *Subscriber) {
	p.mu.Lock()
	_, ok := p.subs[sub]
	delete(p.subs, sub)
	count := len(p.subs)
	p.mu.Unlock()

	if ok {
		_ = sub.conn.Close()
		p.log.Info("subscriber_detached", "subscribers", count)
	}
}

// Broadcast pushes one event to every subscriber. A failed write detaches
// that subscriber; everyone else is unaffected.
func (p *Publisher) Broadcast(topic Topic, payload any) {
	data, err := json.Marshal(Envelope{Topic: topic, Payload: payload})
	if err != nil {
		p.log.Warn("event_marshal_failed", "topic", topic, "error", err)
		return
	}

	p.mu.Lock()
	subs := make([]*Subscriber, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		if err := p.send(sub, data); err != nil {
			p.log.Warn("subscriber_write_failed", "topic", topic, "error", err)
			p.Detach(sub)
		}
	}
}

// SendTo pushes one event to a single subscriber, used for the bounded
// history replay on attach.
func (p *Publisher) SendTo(sub *Subscriber, topic Topic, payload any) error {
	data, err := json.Marshal(Envelope{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}
	return p.send(sub, data)
}

func (p *Publisher) send(sub *Subscriber, data []byte) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sub.conn.WriteMessage(textMessage, data)
}

// SubscriberCount reports the number of live subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
