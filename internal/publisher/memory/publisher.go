// Package memory keeps published notifications in process. It is the default
// publisher when no Pub/Sub topic is configured, and doubles as a test fake.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/JakeFAU/climate-archive-crawler/internal/publisher"
)

// Message is one recorded Publish call. Attributes mirror what the Pub/Sub
// publisher would attach.
type Message struct {
	ID         string
	Topic      string
	Payload    any
	Attributes map[string]string
}

// Publisher records messages instead of sending them.
type Publisher struct {
	mu   sync.Mutex
	seq  int
	log  []Message
	fail error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Publish records payload under topic and returns a sequential ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	attrs := map[string]string{"topic": topic}
	if a, ok := payload.(publisher.Attributer); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.seq++
	id := "memory-" + strconv.Itoa(p.seq)
	p.log = append(p.log, Message{ID: id, Topic: topic, Payload: payload, Attributes: attrs})
	return id, nil
}

// Messages returns a copy of everything recorded so far, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.log...)
}

// Topic returns the messages recorded for one topic.
func (p *Publisher) Topic(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.log {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
