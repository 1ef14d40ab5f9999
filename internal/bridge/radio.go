package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventKind tags one radio event.
type EventKind string

const (
	EventNodeSeen          EventKind = "nodeSeen"
	EventMessageReceived   EventKind = "messageReceived"
	EventTelemetryObserved EventKind = "telemetryObserved"
)

// Event is one observation delivered by the radio driver. Fields are
// populated per kind; unknown channel indexes are -1.
type Event struct {
	Kind       EventKind
	NodeID     string
	ShortName  string
	LongName   string
	ReceivedAt time.Time

	// messageReceived
	MessageID    string
	To           string // destination node, broadcast markers for channels
	ReplyToID    string
	Content      string
	ChannelIndex int
	ChannelName  string

	// telemetryObserved
	Latitude  string
	Longitude string
	RSSI      string
	Telemetry map[string]any
}

// NodeInfo identifies the attached device.
type NodeInfo struct {
	ID        string
	ShortName string
	LongName  string
}

// Destination addresses one outbound send.
type Destination struct {
	DM           bool
	NodeID       string // DM target
	ChannelIndex int
}

// Radio is the driver surface the bridge consumes. Events delivers
// observations until Close; Send transmits one message and returns a
// driver acknowledgment token when the radio provides one.
type Radio interface {
	NodeInfo(ctx context.Context) (NodeInfo, error)
	Events() <-chan Event
	Send(ctx context.Context, dest Destination, content string) (ack string, err error)
	Close() error
}

// StubRadio is an in-memory Radio for test runs without hardware.
type StubRadio struct {
	mu     sync.Mutex
	info   NodeInfo
	events chan Event
	sent   []StubSend
	fail   func(Destination, string) error
	closed bool
}

// StubSend records one Send call.
type StubSend struct {
	Dest    Destination
	Content string
}

// NewStubRadio returns a stub identifying itself as info.
func NewStubRadio(info NodeInfo) *StubRadio {
	if info.ID == "" {
		info.ID = "TESTNODE"
	}
	return &StubRadio{info: info, events: make(chan Event, 64)}
}

func (r *StubRadio) NodeInfo(ctx context.Context) (NodeInfo, error) {
	return r.info, nil
}

func (r *StubRadio) Events() <-chan Event { return r.events }

// Feed injects one event as if the radio had observed it.
func (r *StubRadio) Feed(ev Event) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.events <- ev
}

// FailSends makes subsequent sends fail with the returned error; pass
// nil to restore success.
func (r *StubRadio) FailSends(fn func(Destination, string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fn
}

func (r *StubRadio) Send(ctx context.Context, dest Destination, content string) (string, error) {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(dest, content); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	r.sent = append(r.sent, StubSend{Dest: dest, Content: content})
	n := len(r.sent)
	r.mu.Unlock()
	return fmt.Sprintf("stub-ack-%d", n), nil
}

// Sent returns a copy of every recorded send in order.
func (r *StubRadio) Sent() []StubSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StubSend, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *StubRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}
