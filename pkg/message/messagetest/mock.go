// Package messagetest provides an in-memory JetStream for tests
package messagetest

import (
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/yepcode-connector/pkg/message"
)

// MockJS is an in-memory message.JSContext. Published messages are buffered and
// handed out by pull subscriptions in publish order.
type MockJS struct {
	mu        sync.Mutex
	published []*nats.Msg
	pending   []*nats.Msg
	streams   map[string]*nats.StreamInfo
	consumers map[string]map[string]*nats.ConsumerInfo
	msgIDs    map[string]bool

	// FailPublishes makes the next n PublishMsg calls fail
	FailPublishes int
}

// NewMockJS creates an empty in-memory JetStream
func NewMockJS() *MockJS {
	return &MockJS{
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
		msgIDs:    make(map[string]bool),
	}
}

var _ message.JSContext = (*MockJS)(nil)

// ErrPublishFailed is returned while FailPublishes is positive
var ErrPublishFailed = errors.New("mock publish failure")

// PublishMsg records a copy of in. Like JetStream it drops a message whose
// Nats-Msg-Id header was already seen and reports it as a duplicate.
func (m *MockJS) PublishMsg(in *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPublishes > 0 {
		m.FailPublishes--
		return nil, ErrPublishFailed
	}

	if id := in.Header.Get(nats.MsgIdHdr); id != "" {
		if m.msgIDs[id] {
			return &nats.PubAck{Stream: "MOCK", Sequence: uint64(len(m.published)), Duplicate: true}, nil
		}
		m.msgIDs[id] = true
	}

	msg := &nats.Msg{Subject: in.Subject, Data: append([]byte(nil), in.Data...)}
	if len(in.Header) > 0 {
		msg.Header = make(nats.Header, len(in.Header))
		for k, v := range in.Header {
			msg.Header[k] = append([]string(nil), v...)
		}
	}
	m.published = append(m.published, msg)
	m.pending = append(m.pending, msg)
	return &nats.PubAck{Stream: "MOCK", Sequence: uint64(len(m.published))}, nil
}

// Enqueue makes raw data available to pull subscribers without recording it as published
func (m *MockJS) Enqueue(subj string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, &nats.Msg{Subject: subj, Data: data})
}

// Published returns every message published on subj
func (m *MockJS) Published(subj string) []*nats.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*nats.Msg
	for _, msg := range m.published {
		if msg.Subject == subj {
			out = append(out, msg)
		}
	}
	return out
}

// Stream returns the stream registered under name, or nil
func (m *MockJS) Stream(name string) *nats.StreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[name]
}

// Consumer returns the consumer registered on stream, or nil
func (m *MockJS) Consumer(stream, name string) *nats.ConsumerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumers[stream][name]
}

func (m *MockJS) PullSubscribe(_, durable string, _ ...nats.SubOpt) (message.JSSubscription, error) {
	return &pullSubscription{owner: m, durable: durable, valid: true}, nil
}

func (m *MockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.streams[stream]; ok {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *MockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *MockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.consumers[stream][consumer]; ok {
		return info, nil
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *MockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

type pullSubscription struct {
	owner   *MockJS
	durable string
	valid   bool
}

func (s *pullSubscription) Unsubscribe() error { s.valid = false; return nil }
func (s *pullSubscription) Drain() error       { return s.Unsubscribe() }
func (s *pullSubscription) IsValid() bool      { return s.valid }
func (s *pullSubscription) Pending() (int, int, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return len(s.owner.pending), 0, nil
}

// Fetch pops up to batch pending messages; an empty buffer reports nats.ErrTimeout.
// When the durable is registered on a stream, only subjects of that stream are delivered.
func (s *pullSubscription) Fetch(batch int, _ ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()

	subjects, filtered := s.owner.subjectsFor(s.durable)

	var msgs, rest []*nats.Msg
	for _, msg := range s.owner.pending {
		if len(msgs) < batch && (!filtered || matchAny(subjects, msg.Subject)) {
			msgs = append(msgs, msg)
			continue
		}
		rest = append(rest, msg)
	}
	if len(msgs) == 0 {
		return nil, nats.ErrTimeout
	}
	s.owner.pending = rest
	return msgs, nil
}

// subjectsFor returns the subjects of the stream that owns durable; callers hold mu
func (m *MockJS) subjectsFor(durable string) ([]string, bool) {
	for stream, consumers := range m.consumers {
		if _, ok := consumers[durable]; !ok {
			continue
		}
		if info, ok := m.streams[stream]; ok {
			return info.Config.Subjects, true
		}
	}
	return nil, false
}

func matchAny(patterns []string, subject string) bool {
	for _, p := range patterns {
		if matchSubject(p, subject) {
			return true
		}
	}
	return false
}

// matchSubject applies NATS wildcard rules: "*" matches one token, ">" the rest
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) || (tok != "*" && tok != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}
