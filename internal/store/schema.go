package store

// Schema is the fixed, versioned column layout of one record file kind.
type Schema struct {
	Name    string
	Version int
	Columns []string
}

// Record file schemas. Column order is part of the on-disk contract;
// adding a column means bumping the version and extending Ensure's
// header-upgrade path.
var (
	NodesSchema = Schema{
		Name:    "nodes",
		Version: 1,
		Columns: []string{"node_id", "short_name", "long_name", "first_seen_at", "last_seen_at"},
	}

	SightingsSchema = Schema{
		Name:    "sightings",
		Version: 1,
		Columns: []string{"node_id", "latitude", "longitude", "rssi", "telemetry_json", "observed_at", "sighting_hash"},
	}

	ThreadSchema = Schema{
		Name:    "thread",
		Version: 1,
		Columns: []string{"thread_type", "thread_key", "message_id", "state", "sender_id", "reply_to_id", "timestamp", "content", "send_attempts", "send_status", "meta_json"},
	}

	InvocationsSchema = Schema{
		Name:    "invocations",
		Version: 1,
		Columns: []string{"invocation_id", "source_message_id", "reply_message_id", "persona", "model", "prompt_chars", "response_chars", "eval_tokens", "duration_ms", "created_at", "status", "reason"},
	}
)

// has reports whether the schema contains a column.
func (s Schema) has(column string) bool {
	for _, c := range s.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// matches reports whether a header row equals the schema exactly.
func (s Schema) matches(header []string) bool {
	if len(header) != len(s.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if header[i] != c {
			return false
		}
	}
	return true
}
