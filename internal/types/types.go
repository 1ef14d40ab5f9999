package types

import (
	"time"
)

// ThreadType distinguishes channel threads from direct-message threads.
type ThreadType string

const (
	ThreadChannel ThreadType = "channel"
	ThreadDM      ThreadType = "dm"
)

// State is the lifecycle tag on a message row. Transitions are monotonic:
// inbound -> queued -> outbound, never backwards.
type State string

const (
	StateInbound  State = "inbound"
	StateQueued   State = "queued"
	StateOutbound State = "outbound"
)

// Send status values recorded alongside the lifecycle state.
const (
	SendStatusNone   = ""
	SendStatusSent   = "sent"
	SendStatusFailed = "failed"
)

// Node is the identity of a mesh peer. Upserted on every sighting,
// never deleted.
type Node struct {
	NodeID      string
	ShortName   string
	LongName    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Sighting is a point observation of a node. Lat/lon/RSSI stay strings
// because the radio driver reports them opaquely and we never do math
// on them.
type Sighting struct {
	NodeID     string
	Latitude   string
	Longitude  string
	RSSI       string
	Telemetry  map[string]any
	ObservedAt time.Time
	Hash       string
}

// Message is one row in a thread file.
type Message struct {
	ThreadType   ThreadType
	ThreadKey    string
	ID           string
	State        State
	SenderID     string
	ReplyToID    string
	Timestamp    time.Time
	Content      string
	SendAttempts int
	SendStatus   string
	Meta         map[string]any
}

// Invocation is one inference call audit row. Append-only; never edited.
type Invocation struct {
	ID              string
	SourceMessageID string
	ReplyMessageID  string
	Persona         string
	Model           string
	PromptChars     int
	ResponseChars   int
	EvalTokens      int
	DurationMS      int64
	CreatedAt       time.Time
	Status          string
	Reason          string
}

// Invocation status values.
const (
	InvocationOK     = "ok"
	InvocationFailed = "failed"
)

// FormatTime renders a timestamp the way every record file stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses a stored timestamp, returning the zero time on failure.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// CalendarDay returns the UTC calendar day used by sighting dedup.
func CalendarDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
