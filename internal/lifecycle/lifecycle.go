// Package lifecycle owns the inbound -> queued -> outbound transitions
// for thread rows, the retry/backoff bookkeeping, and the crash-resume
// scan. State transitions on disk are the only source of truth: after a
// crash the send path simply re-runs ScanQueued and every row is either
// still queued (safe to retry) or fully outbound (safe to skip).
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/highdesert/meshlink/internal/dedup"
	"github.com/highdesert/meshlink/internal/store"
	"github.com/highdesert/meshlink/internal/types"
)

// ErrDuplicateMessage marks a suppressed duplicate arrival. Non-fatal:
// callers log and move on.
var ErrDuplicateMessage = errors.New("duplicate message")

// ErrUnknownMessage marks a send result for a row that does not exist.
var ErrUnknownMessage = errors.New("unknown message")

// Defaults recovered from the bridge's send loop.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 300 * time.Second
)

// Machine drives message lifecycle transitions for thread files.
type Machine struct {
	store       *store.Store
	log         *zap.Logger
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithMaxAttempts overrides the terminal-failure attempt count.
func WithMaxAttempts(n int) Option {
	return func(m *Machine) { m.maxAttempts = n }
}

// WithBackoff overrides the exponential backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(m *Machine) { m.backoffBase = base; m.backoffCap = cap }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a lifecycle machine over the given record store.
func New(st *store.Store, log *zap.Logger, opts ...Option) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Machine{
		store:       st,
		log:         log,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordInbound appends an inbound row unless the message is already
// present. Duplicates return ErrDuplicateMessage.
func (m *Machine) RecordInbound(path string, msg types.Message) error {
	if err := m.store.Ensure(path, store.ThreadSchema); err != nil {
		return err
	}
	stored, err := m.readMessages(path)
	if err != nil {
		return err
	}
	if prev, ok := dedup.FindDuplicateMessage(stored, msg); ok {
		m.log.Info("suppressed duplicate inbound message",
			zap.String("thread", msg.ThreadKey),
			zap.String("message_id", msg.ID),
			zap.String("matched_id", prev.ID))
		return fmt.Errorf("%w: %s in %s", ErrDuplicateMessage, msg.ID, msg.ThreadKey)
	}
	msg.State = types.StateInbound
	return m.store.AppendRow(path, store.ThreadSchema, store.MessageRow(msg))
}

// EnqueueReply appends a reply row in the queued state with a zero
// attempt count. Only the dispatch/reply path calls this.
func (m *Machine) EnqueueReply(path string, msg types.Message) error {
	msg.State = types.StateQueued
	msg.SendAttempts = 0
	msg.SendStatus = types.SendStatusNone
	return m.store.AppendRow(path, store.ThreadSchema, store.MessageRow(msg))
}

// ScanQueued returns queued rows eligible for a send attempt right now,
// in original append order. Read-only and therefore idempotent; calling
// it again after a crash can never duplicate an outbound row.
func (m *Machine) ScanQueued(path string) ([]types.Message, error) {
	stored, err := m.readMessages(path)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var eligible []types.Message
	for _, msg := range stored {
		if msg.State != types.StateQueued {
			continue
		}
		if msg.SendAttempts >= m.maxAttempts {
			continue
		}
		if next, ok := types.MetaFloat(msg.Meta, types.MetaNextAttemptTS); ok {
			if now.Before(time.Unix(int64(next), 0)) {
				continue
			}
		}
		eligible = append(eligible, msg)
	}
	return eligible, nil
}

// SendOutcome is the result of one radio send attempt.
type SendOutcome struct {
	OK     bool
	Ack    string
	Reason string
}

// MarkSendResult records a send attempt. Success promotes the row to
// outbound; failure increments the attempt counter, marks send_status
// failed, and stamps the next-eligible time into the meta blob. A row
// that has exhausted its attempts becomes terminally failed and is
// surfaced for operator attention. Rows already outbound are never
// touched.
func (m *Machine) MarkSendResult(path, messageID string, outcome SendOutcome) error {
	found := false
	err := m.store.RewriteRows(path, store.ThreadSchema, func(rows []store.Row) ([]store.Row, bool, error) {
		for _, row := range rows {
			if row["message_id"] != messageID {
				continue
			}
			if types.State(row["state"]) == types.StateOutbound {
				// Crash between send and mark: the transition already
				// happened, leave the row alone.
				found = true
				return rows, false, nil
			}
			if types.State(row["state"]) != types.StateQueued {
				continue
			}
			found = true
			msg := store.MessageFromRow(row)
			msg.SendAttempts++
			if outcome.OK {
				msg.State = types.StateOutbound
				msg.SendStatus = types.SendStatusSent
				msg.Meta[types.MetaSentAt] = types.FormatTime(m.now())
				if outcome.Ack != "" {
					msg.Meta[types.MetaAck] = outcome.Ack
				}
				delete(msg.Meta, types.MetaNextAttemptTS)
			} else {
				msg.SendStatus = types.SendStatusFailed
				msg.Meta[types.MetaNextAttemptTS] = float64(m.now().Add(m.Backoff(msg.SendAttempts)).Unix())
				if outcome.Reason != "" {
					msg.Meta[types.MetaFailReason] = outcome.Reason
				}
				if msg.SendAttempts >= m.maxAttempts {
					m.log.Warn("message exhausted send attempts; operator attention required",
						zap.String("thread", msg.ThreadKey),
						zap.String("message_id", msg.ID),
						zap.Int("attempts", msg.SendAttempts))
				}
			}
			updated := store.MessageRow(msg)
			for column, value := range updated {
				row[column] = value
			}
			return rows, true, nil
		}
		return rows, false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s in %s", ErrUnknownMessage, messageID, path)
	}
	return nil
}

// Backoff returns the delay before the next attempt after n failures.
func (m *Machine) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := m.backoffBase << (attempts - 1)
	if d > m.backoffCap || d <= 0 {
		return m.backoffCap
	}
	return d
}

// MaxAttempts exposes the terminal attempt count.
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

func (m *Machine) readMessages(path string) ([]types.Message, error) {
	rows, _, err := m.store.ReadRows(path, store.ThreadSchema)
	if err != nil {
		return nil, err
	}
	msgs := make([]types.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, store.MessageFromRow(row))
	}
	return msgs, nil
}

// Messages reads every row of a thread file in order.
func (m *Machine) Messages(path string) ([]types.Message, error) {
	return m.readMessages(path)
}
