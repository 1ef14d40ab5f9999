// Package dedup suppresses redundant sighting rows and retransmitted
// inbound messages before they reach a record file.
package dedup

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/highdesert/meshlink/internal/types"
)

// RetransmitWindow is the grace window for matching retransmitted
// messages that lack a native identifier. Mesh radios retransmit with
// the same reported receive time, so a short window is enough.
const RetransmitWindow = 2 * time.Second

// hashFields is the canonical serialization of the semantically
// meaningful sighting fields. The observed-at timestamp is deliberately
// excluded; field order is fixed by the struct.
type hashFields struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	RSSI      string `json:"rssi"`
	Telemetry string `json:"telemetry_json"`
}

// SightingHash computes the deterministic content hash of a sighting.
func SightingHash(s types.Sighting) string {
	data, err := json.Marshal(hashFields{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		RSSI:      s.RSSI,
		Telemetry: types.EncodeMeta(s.Telemetry),
	})
	if err != nil {
		// hashFields is all strings; Marshal cannot fail in practice.
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, data).String()
}

// SuppressSighting reports whether next should be dropped: the most
// recent stored sighting for the same node carries the same hash on the
// same UTC calendar day. A genuine change within the day stores a new
// row.
func SuppressSighting(stored []types.Sighting, next types.Sighting) bool {
	for i := len(stored) - 1; i >= 0; i-- {
		prev := stored[i]
		if prev.NodeID != next.NodeID {
			continue
		}
		return prev.Hash == next.Hash &&
			types.CalendarDay(prev.ObservedAt) == types.CalendarDay(next.ObservedAt)
	}
	return false
}

// FindDuplicateMessage locates an already-stored copy of an inbound
// message. Native message IDs win; rows without a shared ID fall back to
// a composite (sender, near timestamp, content) match that catches
// retransmissions.
func FindDuplicateMessage(stored []types.Message, next types.Message) (types.Message, bool) {
	for _, prev := range stored {
		if next.ID != "" && prev.ID == next.ID {
			return prev, true
		}
		if prev.State != types.StateInbound {
			continue
		}
		if prev.SenderID == next.SenderID &&
			prev.Content == next.Content &&
			withinWindow(prev.Timestamp, next.Timestamp) {
			return prev, true
		}
	}
	return types.Message{}, false
}

func withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= RetransmitWindow
}
