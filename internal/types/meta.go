package types

import (
	"encoding/json"
)

// Meta keys shared between the bridge and agent processes. The meta_json
// blob is the extension point for anything that doesn't warrant a schema
// version bump.
const (
	MetaChannelIndex  = "channel_index"
	MetaChannelName   = "channel_name"
	MetaProcessed     = "processed"
	MetaNextAttemptTS = "next_attempt_ts"
	MetaSentAt        = "sent_at"
	MetaAck           = "ack"
	MetaFailReason    = "fail_reason"
	MetaPersona       = "persona"
	MetaTrigger       = "trigger"
	MetaSourceMessage = "source_message_id"
	MetaReplyType     = "reply_type"
	MetaControlCmd    = "control_command"
	MetaModel         = "model"
	MetaDurationMS    = "duration_ms"
	MetaTemperature   = "temperature"
	MetaChunkIndex    = "chunk_index"
	MetaChunkTotal    = "chunk_total"
)

// DecodeMeta parses a meta_json blob. Corrupt blobs decode to an empty
// map rather than failing the row.
func DecodeMeta(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta == nil {
		return map[string]any{}
	}
	return meta
}

// EncodeMeta renders a meta blob as compact JSON. Nil and empty maps
// encode to the empty string so untouched rows stay untouched.
func EncodeMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

// MetaInt reads an integer meta value written by either process. JSON
// round-trips numbers as float64; older rows may carry strings.
func MetaInt(meta map[string]any, key string) (int, bool) {
	value, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// MetaFloat reads a numeric meta value as float64.
func MetaFloat(meta map[string]any, key string) (float64, bool) {
	value, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// MetaString reads a string meta value.
func MetaString(meta map[string]any, key string) string {
	if value, ok := meta[key].(string); ok {
		return value
	}
	return ""
}

// MetaBool reads a boolean meta value; "1" and true both count, matching
// rows written before the flag became a proper boolean.
func MetaBool(meta map[string]any, key string) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return v == "1" || v == "true"
	case float64:
		return v != 0
	}
	return false
}
