// Package bridge is the radio-facing process. It turns driver events
// into record rows under the device tree and flushes queued reply rows
// back out through the radio. It owns its device subtree exclusively;
// the dispatch-side process only ever appends queued rows to thread
// files within it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/highdesert/meshlink/internal/config"
	"github.com/highdesert/meshlink/internal/dedup"
	"github.com/highdesert/meshlink/internal/lifecycle"
	"github.com/highdesert/meshlink/internal/store"
	"github.com/highdesert/meshlink/internal/types"
)

// Broadcast destination markers used by mesh firmware.
var broadcastIDs = map[string]bool{
	"":           true,
	"^all":       true,
	"^broadcast": true,
	"ffffffff":   true,
	"4294967295": true,
}

// Bridge couples one radio to one device tree.
type Bridge struct {
	cfg   config.Config
	radio Radio
	st    *store.Store
	life  *lifecycle.Machine
	log   *zap.Logger
	tree  store.DeviceTree
	now   func() time.Time
}

// New resolves the device identity from the radio and initializes its
// tree on disk.
func New(ctx context.Context, cfg config.Config, radio Radio, st *store.Store, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	info, err := radio.NodeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve device identity: %w", err)
	}
	uid := store.SanitizeName(info.ID)
	tree := store.NewDeviceTree(cfg.Data.NodesBase, uid)
	if err := tree.Init(st); err != nil {
		return nil, fmt.Errorf("initialize device tree: %w", err)
	}
	log.Info("device tree ready", zap.String("device", uid), zap.String("root", tree.Root))
	return &Bridge{
		cfg:   cfg,
		radio: radio,
		st:    st,
		life:  lifecycle.New(st, log),
		log:   log,
		tree:  tree,
		now:   time.Now,
	}, nil
}

// Tree exposes the device tree, mainly for tests and status reporting.
func (b *Bridge) Tree() store.DeviceTree { return b.tree }

// Run consumes radio events and flushes queued rows until ctx is
// cancelled. An in-flight record mutation always finishes before Run
// returns.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-b.radio.Events():
				if !ok {
					return errors.New("radio event stream closed")
				}
				if err := b.HandleEvent(ev); err != nil {
					if errors.Is(err, store.ErrDiskPressure) {
						b.log.Warn("disk full; writes paused until space returns", zap.Error(err))
					} else {
						b.log.Error("event handling failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
					}
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(b.cfg.BridgePollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := b.FlushOutbound(ctx); err != nil {
					if errors.Is(err, store.ErrDiskPressure) {
						b.log.Warn("disk full; writes paused until space returns", zap.Error(err))
					} else {
						b.log.Error("outbound flush failed", zap.Error(err))
					}
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleEvent routes one driver event to its handler.
func (b *Bridge) HandleEvent(ev Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = b.now()
	}
	switch ev.Kind {
	case EventNodeSeen:
		return b.upsertNode(ev.NodeID, ev.ShortName, ev.LongName)
	case EventTelemetryObserved:
		return b.handleTelemetry(ev)
	case EventMessageReceived:
		return b.handleMessage(ev)
	default:
		b.log.Debug("ignoring unknown event kind", zap.String("kind", string(ev.Kind)))
		return nil
	}
}

// upsertNode records a peer in the node registry, refreshing last-seen
// and filling in names as they become known.
func (b *Bridge) upsertNode(nodeID, shortName, longName string) error {
	if nodeID == "" {
		return nil
	}
	now := b.now()
	return b.st.RewriteRows(b.tree.NodesPath(), store.NodesSchema, func(rows []store.Row) ([]store.Row, bool, error) {
		for _, row := range rows {
			if row["node_id"] != nodeID {
				continue
			}
			row["last_seen_at"] = types.FormatTime(now)
			if shortName != "" {
				row["short_name"] = shortName
			}
			if longName != "" {
				row["long_name"] = longName
			}
			return rows, true, nil
		}
		rows = append(rows, store.NodeRow(types.Node{
			NodeID:      nodeID,
			ShortName:   shortName,
			LongName:    longName,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}))
		return rows, true, nil
	})
}

// handleTelemetry appends a sighting unless dedup suppresses it, then
// upserts the node.
func (b *Bridge) handleTelemetry(ev Event) error {
	if ev.NodeID == "" {
		return nil
	}
	next := types.Sighting{
		NodeID:     ev.NodeID,
		Latitude:   ev.Latitude,
		Longitude:  ev.Longitude,
		RSSI:       ev.RSSI,
		Telemetry:  ev.Telemetry,
		ObservedAt: ev.ReceivedAt,
	}
	next.Hash = dedup.SightingHash(next)

	rows, _, err := b.st.ReadRows(b.tree.SightingsPath(), store.SightingsSchema)
	if err != nil {
		return err
	}
	stored := make([]types.Sighting, 0, len(rows))
	for _, row := range rows {
		stored = append(stored, store.SightingFromRow(row))
	}
	if dedup.SuppressSighting(stored, next) {
		b.log.Debug("suppressed duplicate sighting", zap.String("node", ev.NodeID))
		return b.upsertNode(ev.NodeID, ev.ShortName, ev.LongName)
	}
	if err := b.st.AppendRow(b.tree.SightingsPath(), store.SightingsSchema, store.SightingRow(next)); err != nil {
		return err
	}
	b.log.Info("stored sighting", zap.String("node", ev.NodeID))
	return b.upsertNode(ev.NodeID, ev.ShortName, ev.LongName)
}

// handleMessage records an inbound text message into its thread file.
func (b *Bridge) handleMessage(ev Event) error {
	threadType, threadKey := b.deriveThread(ev)
	id := ev.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	meta := map[string]any{}
	if threadType == types.ThreadChannel {
		if ev.ChannelIndex >= 0 {
			meta[types.MetaChannelIndex] = ev.ChannelIndex
		}
		if ev.ChannelName != "" {
			meta[types.MetaChannelName] = ev.ChannelName
		}
	}
	msg := types.Message{
		ThreadType: threadType,
		ThreadKey:  threadKey,
		ID:         id,
		SenderID:   ev.NodeID,
		ReplyToID:  ev.ReplyToID,
		Timestamp:  ev.ReceivedAt,
		Content:    ev.Content,
		Meta:       meta,
	}
	path := b.tree.ThreadPath(threadType, threadKey)
	if err := b.life.RecordInbound(path, msg); err != nil {
		if errors.Is(err, lifecycle.ErrDuplicateMessage) {
			return b.upsertNode(ev.NodeID, ev.ShortName, ev.LongName)
		}
		return err
	}
	b.log.Info("recorded inbound message",
		zap.String("message_id", id),
		zap.String("thread_type", string(threadType)),
		zap.String("thread_key", threadKey))
	return b.upsertNode(ev.NodeID, ev.ShortName, ev.LongName)
}

// deriveThread maps an event onto a thread identity. Direct sends
// become DM threads keyed by the peer; broadcasts become channel
// threads keyed by channel name, falling back to channel_<index>.
func (b *Bridge) deriveThread(ev Event) (types.ThreadType, string) {
	if !broadcastIDs[strings.ToLower(ev.To)] {
		return types.ThreadDM, ev.NodeID
	}
	if ev.ChannelName != "" {
		return types.ThreadChannel, ev.ChannelName
	}
	index := ev.ChannelIndex
	if index < 0 {
		index = 0
	}
	return types.ThreadChannel, fmt.Sprintf("channel_%d", index)
}

// FlushOutbound scans every thread file for queued rows eligible now
// and attempts to send each one, recording the result.
func (b *Bridge) FlushOutbound(ctx context.Context) error {
	files, err := b.tree.ThreadFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		queued, err := b.life.ScanQueued(path)
		if err != nil {
			return err
		}
		for _, msg := range queued {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ack, sendErr := b.radio.Send(ctx, b.destination(msg), msg.Content)
			outcome := lifecycle.SendOutcome{OK: sendErr == nil, Ack: ack}
			if sendErr != nil {
				outcome.Reason = sendErr.Error()
				b.log.Warn("send failed",
					zap.String("message_id", msg.ID),
					zap.String("thread_key", msg.ThreadKey),
					zap.Error(sendErr))
			} else {
				b.log.Info("sent queued message",
					zap.String("message_id", msg.ID),
					zap.String("thread_key", msg.ThreadKey))
			}
			if err := b.life.MarkSendResult(path, msg.ID, outcome); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bridge) destination(msg types.Message) Destination {
	if msg.ThreadType == types.ThreadDM {
		return Destination{DM: true, NodeID: msg.ThreadKey}
	}
	index, ok := types.MetaInt(msg.Meta, types.MetaChannelIndex)
	if !ok {
		index = 0
	}
	return Destination{ChannelIndex: index}
}
