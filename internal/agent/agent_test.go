package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/highdesert/meshlink/internal/config"
	"github.com/highdesert/meshlink/internal/ollama"
	"github.com/highdesert/meshlink/internal/store"
	"github.com/highdesert/meshlink/internal/types"
)

const testModel = "qwen3-4b-q8-instruct"

func runningPersona(name string, cooldownSeconds int) string {
	return fmt.Sprintf(`name: %s
triggers: [%s]
max_message_chars: 200
cooldown_seconds: %d
system_prompt: Answer briefly.
# Runtime fields (updated by the agent; do not edit manually)
running: true
total_calls: 0
today_calls: 0
today_date: ""
last_started: ""
control_calls: 0
queue_count: 0
`, name, name, cooldownSeconds)
}

func testAgent(t *testing.T, handler http.Handler) (*Agent, store.DeviceTree) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Data.Root = root
	cfg.Data.NodesBase = filepath.Join(root, "nodes")
	cfg.Data.Personas = filepath.Join(root, "personas")
	if err := os.MkdirAll(cfg.Data.Personas, 0o755); err != nil {
		t.Fatalf("mkdir personas: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Data.Personas, "librarian.yaml"),
		[]byte(runningPersona("librarian", 0)), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	llm := ollama.New(srv.URL, 5*time.Second, nil)

	st := store.New(nil)
	tree := store.NewDeviceTree(cfg.Data.NodesBase, "testnode")
	if err := tree.Init(st); err != nil {
		t.Fatalf("init tree: %v", err)
	}
	return New(cfg, st, llm, nil), tree
}

// generateHandler serves a fixed generation response with the test
// model pre-installed.
func generateHandler(response string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprintf(w, `{"models":[{"name":%q}]}`, testModel)
		case "/api/generate":
			fmt.Fprintf(w, `{"response":%q,"eval_count":42}`, response)
		default:
			http.NotFound(w, r)
		}
	})
}

func seedInbound(t *testing.T, a *Agent, tree store.DeviceTree, id, content string) string {
	t.Helper()
	path := tree.ThreadPath(types.ThreadChannel, "general")
	err := a.life.RecordInbound(path, types.Message{
		ThreadType: types.ThreadChannel,
		ThreadKey:  "general",
		ID:         id,
		SenderID:   "!a1b2c3d4",
		Timestamp:  time.Now(),
		Content:    content,
		Meta: map[string]any{
			types.MetaChannelIndex: 2,
			types.MetaChannelName:  "general",
		},
	})
	if err != nil {
		t.Fatalf("seed inbound: %v", err)
	}
	return path
}

// drainTask pulls the single queued task, failing if none was queued.
func drainTask(t *testing.T, a *Agent) *task {
	t.Helper()
	select {
	case task := <-a.tasks:
		return task
	default:
		t.Fatal("no task queued")
		return nil
	}
}

func TestDispatchEndToEnd(t *testing.T) {
	// An answer well over the 200-character limit must become two
	// queued parts, each within the limit including its prefix.
	long := strings.TrimSpace(strings.Repeat("the river is steady today ", 14))
	a, tree := testAgent(t, generateHandler(long))
	ctx := context.Background()
	path := seedInbound(t, a, tree, "m-1", "librarian what is the river doing")

	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	task := drainTask(t, a)
	if task.prompt != "what is the river doing" {
		t.Errorf("prompt = %q, trigger not stripped", task.prompt)
	}
	if err := a.processTask(ctx, task); err != nil {
		t.Fatalf("process: %v", err)
	}

	msgs, err := a.life.Messages(path)
	if err != nil {
		t.Fatalf("read thread: %v", err)
	}
	var queued []types.Message
	for _, m := range msgs {
		if m.State == types.StateQueued {
			queued = append(queued, m)
		}
	}
	if len(queued) != 2 {
		t.Fatalf("got %d queued parts, want 2", len(queued))
	}
	for i, m := range queued {
		wantPrefix := fmt.Sprintf("- (%d/2) ", i+1)
		if !strings.HasPrefix(m.Content, wantPrefix) {
			t.Errorf("part %d content = %q, want prefix %q", i+1, m.Content, wantPrefix)
		}
		if len(m.Content) > 200 {
			t.Errorf("part %d is %d chars, over the limit", i+1, len(m.Content))
		}
		if m.SenderID != "librarian" || m.ReplyToID != "m-1" {
			t.Errorf("part %d row = %+v", i+1, m)
		}
		if index, _ := types.MetaInt(m.Meta, types.MetaChunkIndex); index != i+1 {
			t.Errorf("part %d chunk_index = %d", i+1, index)
		}
	}

	// Source row is processed; a rescan queues nothing new.
	source := msgs[0]
	if !types.MetaBool(source.Meta, types.MetaProcessed) {
		t.Error("source row not marked processed")
	}
	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	select {
	case <-a.tasks:
		t.Fatal("rescan queued a duplicate task")
	default:
	}

	// One successful audit row with token metrics.
	invRows, _, err := a.st.ReadRows(store.InvocationsPath(a.cfg.Data.Root), store.InvocationsSchema)
	if err != nil {
		t.Fatalf("read invocations: %v", err)
	}
	if len(invRows) != 1 {
		t.Fatalf("got %d invocation rows, want 1", len(invRows))
	}
	inv := store.InvocationFromRow(invRows[0])
	if inv.Status != types.InvocationOK || inv.SourceMessageID != "m-1" || inv.EvalTokens != 42 {
		t.Fatalf("invocation = %+v", inv)
	}
	if inv.ReplyMessageID == "" {
		t.Error("invocation missing reply link")
	}

	// Persona counters persisted.
	p := a.reg.ByName("librarian")
	if p.Runtime.TotalCalls != 1 || p.Runtime.TodayCalls != 1 {
		t.Errorf("runtime = %+v", p.Runtime)
	}
}

func TestReplyTargetsSourceChannel(t *testing.T) {
	a, tree := testAgent(t, generateHandler("the weir gauge reads low"))
	ctx := context.Background()
	path := seedInbound(t, a, tree, "m-1", "librarian how is the weir")

	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := a.processTask(ctx, drainTask(t, a)); err != nil {
		t.Fatalf("process: %v", err)
	}

	msgs, err := a.life.Messages(path)
	if err != nil {
		t.Fatalf("read thread: %v", err)
	}
	var replies []types.Message
	for _, m := range msgs {
		if m.State == types.StateQueued {
			replies = append(replies, m)
		}
	}
	if len(replies) == 0 {
		t.Fatal("no queued reply")
	}
	// Every part keeps the source's channel meta so the outbound flush
	// sends it where the question was asked, not on the primary channel.
	for _, reply := range replies {
		index, ok := types.MetaInt(reply.Meta, types.MetaChannelIndex)
		if !ok || index != 2 {
			t.Errorf("reply %s channel_index = %d (present=%v), want 2", reply.ID, index, ok)
		}
		if name := types.MetaString(reply.Meta, types.MetaChannelName); name != "general" {
			t.Errorf("reply %s channel_name = %q, want general", reply.ID, name)
		}
	}
}

func TestRunOnceProcessesQueuedTasks(t *testing.T) {
	a, tree := testAgent(t, generateHandler("the stacks are quiet"))
	path := seedInbound(t, a, tree, "m-1", "librarian anything new")

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	msgs, err := a.life.Messages(path)
	if err != nil {
		t.Fatalf("read thread: %v", err)
	}
	var queued int
	for _, m := range msgs {
		if m.State == types.StateQueued {
			queued++
		}
	}
	if queued == 0 {
		t.Fatal("single pass left no queued reply")
	}
	if !types.MetaBool(msgs[0].Meta, types.MetaProcessed) {
		t.Error("source row not marked processed")
	}
	select {
	case <-a.tasks:
		t.Fatal("task left undrained after a single pass")
	default:
	}
}

func TestRunSurvivesScanFailure(t *testing.T) {
	a, _ := testAgent(t, generateHandler("unused"))
	// Scans fail outright once the nodes base is a regular file.
	if err := os.RemoveAll(a.cfg.Data.NodesBase); err != nil {
		t.Fatalf("remove nodes base: %v", err)
	}
	if err := os.WriteFile(a.cfg.Data.NodesBase, []byte("x"), 0o644); err != nil {
		t.Fatalf("write nodes base: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("run exited after a failed scan: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestSplitReservesPrefixRoomForManyParts(t *testing.T) {
	limit := 32
	text := strings.TrimSpace(strings.Repeat("alpha beta gamma ", 160))
	pieces := splitWithPrefixRoom(text, limit)
	if len(pieces) < 100 {
		t.Fatalf("got %d parts, want at least 100 to exercise wide markers", len(pieces))
	}
	for i, piece := range pieces {
		content := fmt.Sprintf("- (%d/%d) %s", i+1, len(pieces), piece)
		if len(content) > limit {
			t.Errorf("part %d is %d chars, over the %d limit: %q", i+1, len(content), limit, content)
		}
	}
}

func TestControlStartAndStatus(t *testing.T) {
	a, tree := testAgent(t, generateHandler("unused"))
	ctx := context.Background()

	// Stop the persona first so start has something to do.
	p := a.reg.ByName("librarian")
	p.MarkStopped()
	if err := p.WriteRuntime(); err != nil {
		t.Fatalf("write runtime: %v", err)
	}

	path := seedInbound(t, a, tree, "m-1", "librarian start")
	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	msgs, err := a.life.Messages(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d rows, want source + reply", len(msgs))
	}
	reply := msgs[1]
	if reply.State != types.StateQueued || reply.Content != "- librarian is now running." {
		t.Fatalf("reply = %+v", reply)
	}
	if types.MetaString(reply.Meta, types.MetaControlCmd) != "start" {
		t.Errorf("reply meta = %v", reply.Meta)
	}
	if !types.MetaBool(msgs[0].Meta, types.MetaProcessed) {
		t.Error("control source not marked processed")
	}
	if !a.reg.ByName("librarian").Runtime.Running {
		t.Error("persona not started on disk")
	}

	// Status reports persona state plus backend reachability.
	seedInbound(t, a, tree, "m-2", "librarian status")
	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("status scan: %v", err)
	}
	msgs, _ = a.life.Messages(path)
	status := msgs[len(msgs)-1]
	if !strings.Contains(status.Content, "librarian is running") {
		t.Errorf("status content = %q", status.Content)
	}
	if !strings.Contains(status.Content, "Ollama:") {
		t.Errorf("status missing backend line: %q", status.Content)
	}
	// Control commands never reach the inference queue.
	select {
	case <-a.tasks:
		t.Fatal("control command queued an inference task")
	default:
	}
}

func TestIgnoredChannelIsSkipped(t *testing.T) {
	a, tree := testAgent(t, generateHandler("unused"))
	path := tree.ThreadPath(types.ThreadChannel, "channel_0")
	err := a.life.RecordInbound(path, types.Message{
		ThreadType: types.ThreadChannel,
		ThreadKey:  "channel_0",
		ID:         "m-1",
		SenderID:   "!aa",
		Timestamp:  time.Now(),
		Content:    "librarian hello",
		Meta:       map[string]any{types.MetaChannelIndex: 0},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := a.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	select {
	case <-a.tasks:
		t.Fatal("ignored channel produced a task")
	default:
	}
}

func TestCooldownSuppressesSecondDispatch(t *testing.T) {
	a, tree := testAgent(t, generateHandler("short answer"))
	ctx := context.Background()
	a.cfg.AI.ReplyCooldownSeconds = 120

	seedInbound(t, a, tree, "m-1", "librarian first question")
	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := a.processTask(ctx, drainTask(t, a)); err != nil {
		t.Fatalf("process: %v", err)
	}

	seedInbound(t, a, tree, "m-2", "librarian second question")
	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	select {
	case <-a.tasks:
		t.Fatal("dispatch inside cooldown window")
	default:
	}

	// After the window elapses the same pair dispatches again.
	a.now = func() time.Time { return time.Now().Add(121 * time.Second) }
	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("third scan: %v", err)
	}
	drainTask(t, a)
}

func TestStoppedPersonaDoesNotDispatch(t *testing.T) {
	a, tree := testAgent(t, generateHandler("unused"))
	p := a.reg.ByName("librarian")
	p.MarkStopped()
	if err := p.WriteRuntime(); err != nil {
		t.Fatalf("write runtime: %v", err)
	}

	seedInbound(t, a, tree, "m-1", "librarian hello")
	if err := a.ScanOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	select {
	case <-a.tasks:
		t.Fatal("stopped persona dispatched")
	default:
	}
}

func TestFailedInferenceLeavesRowForRetry(t *testing.T) {
	a, tree := testAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprintf(w, `{"models":[{"name":%q}]}`, testModel)
		default:
			http.Error(w, "model overloaded", http.StatusInternalServerError)
		}
	}))
	ctx := context.Background()
	path := seedInbound(t, a, tree, "m-1", "librarian hello")

	if err := a.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := a.processTask(ctx, drainTask(t, a)); err == nil {
		t.Fatal("processTask succeeded against a failing backend")
	}

	msgs, _ := a.life.Messages(path)
	if types.MetaBool(msgs[0].Meta, types.MetaProcessed) {
		t.Error("failed row must stay unprocessed for retry")
	}
	invRows, _, err := a.st.ReadRows(store.InvocationsPath(a.cfg.Data.Root), store.InvocationsSchema)
	if err != nil {
		t.Fatalf("read invocations: %v", err)
	}
	if len(invRows) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(invRows))
	}
	inv := store.InvocationFromRow(invRows[0])
	if inv.Status != types.InvocationFailed || inv.Reason == "" {
		t.Fatalf("invocation = %+v", inv)
	}
}

func TestStripThinkBlocks(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<think>reasoning</think>The answer.", "The answer."},
		{"<THINK>loud\nreasoning</THINK> quiet answer", "quiet answer"},
		{"no tags here", "no tags here"},
		{"<think>only thoughts</think>", ""},
	}
	for _, tc := range cases {
		if got := stripThinkBlocks(tc.in); got != tc.want {
			t.Errorf("stripThinkBlocks(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
