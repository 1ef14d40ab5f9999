package store

import (
	"strconv"

	"github.com/highdesert/meshlink/internal/types"
)

// Conversions between domain entities and record rows. Every column in
// the schema is written; absent values stay empty strings.

// NodeRow encodes a node for nodes.csv.
func NodeRow(n types.Node) Row {
	return Row{
		"node_id":       n.NodeID,
		"short_name":    n.ShortName,
		"long_name":     n.LongName,
		"first_seen_at": types.FormatTime(n.FirstSeenAt),
		"last_seen_at":  types.FormatTime(n.LastSeenAt),
	}
}

// NodeFromRow decodes a nodes.csv row.
func NodeFromRow(row Row) types.Node {
	return types.Node{
		NodeID:      row["node_id"],
		ShortName:   row["short_name"],
		LongName:    row["long_name"],
		FirstSeenAt: types.ParseTime(row["first_seen_at"]),
		LastSeenAt:  types.ParseTime(row["last_seen_at"]),
	}
}

// SightingRow encodes a sighting for sightings.csv.
func SightingRow(s types.Sighting) Row {
	return Row{
		"node_id":        s.NodeID,
		"latitude":       s.Latitude,
		"longitude":      s.Longitude,
		"rssi":           s.RSSI,
		"telemetry_json": types.EncodeMeta(s.Telemetry),
		"observed_at":    types.FormatTime(s.ObservedAt),
		"sighting_hash":  s.Hash,
	}
}

// SightingFromRow decodes a sightings.csv row.
func SightingFromRow(row Row) types.Sighting {
	return types.Sighting{
		NodeID:     row["node_id"],
		Latitude:   row["latitude"],
		Longitude:  row["longitude"],
		RSSI:       row["rssi"],
		Telemetry:  types.DecodeMeta(row["telemetry_json"]),
		ObservedAt: types.ParseTime(row["observed_at"]),
		Hash:       row["sighting_hash"],
	}
}

// MessageRow encodes a message for a thread file.
func MessageRow(m types.Message) Row {
	return Row{
		"thread_type":   string(m.ThreadType),
		"thread_key":    m.ThreadKey,
		"message_id":    m.ID,
		"state":         string(m.State),
		"sender_id":     m.SenderID,
		"reply_to_id":   m.ReplyToID,
		"timestamp":     types.FormatTime(m.Timestamp),
		"content":       m.Content,
		"send_attempts": strconv.Itoa(m.SendAttempts),
		"send_status":   m.SendStatus,
		"meta_json":     types.EncodeMeta(m.Meta),
	}
}

// MessageFromRow decodes a thread file row.
func MessageFromRow(row Row) types.Message {
	attempts, _ := strconv.Atoi(row["send_attempts"])
	return types.Message{
		ThreadType:   types.ThreadType(row["thread_type"]),
		ThreadKey:    row["thread_key"],
		ID:           row["message_id"],
		State:        types.State(row["state"]),
		SenderID:     row["sender_id"],
		ReplyToID:    row["reply_to_id"],
		Timestamp:    types.ParseTime(row["timestamp"]),
		Content:      row["content"],
		SendAttempts: attempts,
		SendStatus:   row["send_status"],
		Meta:         types.DecodeMeta(row["meta_json"]),
	}
}

// InvocationRow encodes an audit row for invocations.csv.
func InvocationRow(inv types.Invocation) Row {
	return Row{
		"invocation_id":     inv.ID,
		"source_message_id": inv.SourceMessageID,
		"reply_message_id":  inv.ReplyMessageID,
		"persona":           inv.Persona,
		"model":             inv.Model,
		"prompt_chars":      strconv.Itoa(inv.PromptChars),
		"response_chars":    strconv.Itoa(inv.ResponseChars),
		"eval_tokens":       strconv.Itoa(inv.EvalTokens),
		"duration_ms":       strconv.FormatInt(inv.DurationMS, 10),
		"created_at":        types.FormatTime(inv.CreatedAt),
		"status":            inv.Status,
		"reason":            inv.Reason,
	}
}

// InvocationFromRow decodes an invocations.csv row.
func InvocationFromRow(row Row) types.Invocation {
	promptChars, _ := strconv.Atoi(row["prompt_chars"])
	responseChars, _ := strconv.Atoi(row["response_chars"])
	evalTokens, _ := strconv.Atoi(row["eval_tokens"])
	durationMS, _ := strconv.ParseInt(row["duration_ms"], 10, 64)
	return types.Invocation{
		ID:              row["invocation_id"],
		SourceMessageID: row["source_message_id"],
		ReplyMessageID:  row["reply_message_id"],
		Persona:         row["persona"],
		Model:           row["model"],
		PromptChars:     promptChars,
		ResponseChars:   responseChars,
		EvalTokens:      evalTokens,
		DurationMS:      durationMS,
		CreatedAt:       types.ParseTime(row["created_at"]),
		Status:          row["status"],
		Reason:          row["reason"],
	}
}
