package store

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/highdesert/meshlink/internal/types"
)

func TestEnsureWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.csv")
	s := New(nil)

	if err := s.Ensure(path, NodesSchema); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := strings.Join(NodesSchema.Columns, ",") + "\n"
	if string(data) != want {
		t.Fatalf("expected header %q, got %q", want, string(data))
	}

	// Second ensure is a no-op.
	if err := s.Ensure(path, NodesSchema); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
}

func TestEnsureUpgradesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread.csv")
	s := New(nil)

	old := Schema{Name: "thread", Version: 0, Columns: ThreadSchema.Columns[:10]}
	if err := s.Ensure(path, old); err != nil {
		t.Fatalf("ensure old: %v", err)
	}
	if err := s.AppendRow(path, old, Row{"message_id": "m1", "state": "inbound"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Ensure(path, ThreadSchema); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	rows, _, err := s.ReadRows(path, ThreadSchema)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 || rows[0]["message_id"] != "m1" {
		t.Fatalf("expected data preserved across upgrade, got %v", rows)
	}
	if rows[0]["meta_json"] != "" {
		t.Fatalf("expected new column backfilled empty")
	}
}

func TestAppendRoundTripsEmbeddedNewlines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread.csv")
	s := New(nil)

	content := "first line\nsecond line\r\nwith \\ backslash"
	msg := types.Message{
		ThreadType: types.ThreadChannel,
		ThreadKey:  "general",
		ID:         "m1",
		State:      types.StateInbound,
		SenderID:   "peer",
		Content:    content,
	}
	if err := s.AppendRow(path, ThreadSchema, MessageRow(msg)); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, _ := os.ReadFile(path)
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Fatalf("expected one physical line per row, file has %d newlines", got)
	}

	rows, _, err := s.ReadRows(path, ThreadSchema)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if got := MessageFromRow(rows[0]).Content; got != content {
		t.Fatalf("content did not round-trip: %q", got)
	}
}

func TestMalformedRowSkippedWithDiagnostic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread.csv")
	s := New(nil)

	if err := s.AppendRow(path, ThreadSchema, MessageRow(types.Message{ID: "m1", State: types.StateInbound})); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Simulate a torn write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("torn,row\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()
	if err := s.AppendRow(path, ThreadSchema, MessageRow(types.Message{ID: "m2", State: types.StateInbound})); err != nil {
		t.Fatalf("append after torn row: %v", err)
	}

	rows, diags, err := s.ReadRows(path, ThreadSchema)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected good rows to survive, got %d", len(rows))
	}
	if len(diags) != 1 || diags[0].Line != 3 {
		t.Fatalf("expected one diagnostic at line 3, got %+v", diags)
	}
}

func TestRewriteRowsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thread.csv")
	s := New(nil)

	for i := 0; i < 3; i++ {
		msg := types.Message{ID: "m" + strconv.Itoa(i), State: types.StateQueued}
		if err := s.AppendRow(path, ThreadSchema, MessageRow(msg)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	err := s.RewriteRows(path, ThreadSchema, func(rows []Row) ([]Row, bool, error) {
		for _, row := range rows {
			row["state"] = string(types.StateOutbound)
		}
		return rows, true, nil
	})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	rows, _, _ := s.ReadRows(path, ThreadSchema)
	for _, row := range rows {
		if row["state"] != string(types.StateOutbound) {
			t.Fatalf("expected all rows rewritten, got %v", row)
		}
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestRewriteRowsNoChangeLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread.csv")
	s := New(nil)
	if err := s.AppendRow(path, ThreadSchema, MessageRow(types.Message{ID: "m1"})); err != nil {
		t.Fatalf("append: %v", err)
	}
	before, _ := os.ReadFile(path)

	err := s.RewriteRows(path, ThreadSchema, func(rows []Row) ([]Row, bool, error) {
		return rows, false, nil
	})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("unchanged rewrite must not touch the file")
	}
}

func TestAppendRejectsUnknownColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.csv")
	s := New(nil)
	err := s.AppendRow(path, NodesSchema, Row{"node_id": "n1", "bogus": "x"})
	if err == nil {
		t.Fatalf("expected arity validation error")
	}
}

func TestConcurrentAppendsNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread.csv")
	s := New(nil)

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := types.Message{
					ThreadType: types.ThreadChannel,
					ThreadKey:  "general",
					ID:         "w" + strconv.Itoa(w) + "-" + strconv.Itoa(i),
					State:      types.StateInbound,
					Content:    strings.Repeat("x", 40) + "\nline two",
				}
				if err := s.AppendRow(path, ThreadSchema, MessageRow(msg)); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	rows, diags, err := s.ReadRows(path, ThreadSchema)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no malformed rows, got %d", len(diags))
	}
	if len(rows) != writers*perWriter {
		t.Fatalf("expected %d rows, got %d", writers*perWriter, len(rows))
	}
	seen := map[string]bool{}
	for _, row := range rows {
		if seen[row["message_id"]] {
			t.Fatalf("duplicate row %s", row["message_id"])
		}
		seen[row["message_id"]] = true
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"General", "general"},
		{"^meshPeer", "meshpeer"},
		{"long range / west", "long_range_west"},
		{"---", "unnamed"},
		{"", "unnamed"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Fatalf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeviceTreeThreadFiles(t *testing.T) {
	tree := NewDeviceTree(t.TempDir(), "testnode")
	s := New(nil)
	if err := tree.Init(s); err != nil {
		t.Fatalf("init: %v", err)
	}

	chPath := tree.ThreadPath(types.ThreadChannel, "General")
	dmPath := tree.ThreadPath(types.ThreadDM, "^meshPeer")
	for _, p := range []string{chPath, dmPath} {
		if err := s.Ensure(p, ThreadSchema); err != nil {
			t.Fatalf("ensure %s: %v", p, err)
		}
	}

	files, err := tree.ThreadFiles()
	if err != nil {
		t.Fatalf("thread files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 thread files, got %d", len(files))
	}
	if files[0] != chPath || files[1] != dmPath {
		t.Fatalf("expected channels before dms, got %v", files)
	}
	if tree.ThreadTypeForPath(dmPath) != types.ThreadDM {
		t.Fatalf("expected dm type for %s", dmPath)
	}
	if tree.ThreadTypeForPath(chPath) != types.ThreadChannel {
		t.Fatalf("expected channel type for %s", chPath)
	}
}
