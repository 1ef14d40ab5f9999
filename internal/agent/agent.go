// Package agent is the dispatch-side process. It scans thread files
// for unprocessed inbound rows, matches persona triggers and control
// commands, serializes inference calls through a single worker, and
// appends the resulting reply rows for the bridge to send.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/highdesert/meshlink/internal/config"
	"github.com/highdesert/meshlink/internal/lifecycle"
	"github.com/highdesert/meshlink/internal/ollama"
	"github.com/highdesert/meshlink/internal/persona"
	"github.com/highdesert/meshlink/internal/store"
	"github.com/highdesert/meshlink/internal/types"
)

// task is one pending inference call. Persona settings are snapshotted
// at trigger time so a reload mid-flight cannot change the call.
type task struct {
	threadPath string
	threadType types.ThreadType
	threadKey  string
	source     types.Message
	prompt     string
	trigger    string

	personaName     string
	model           string
	temperature     *float64
	systemPrompt    string
	maxMessageChars int
	maxContextChars int
}

// Agent scans thread files and dispatches inference replies.
type Agent struct {
	cfg       config.Config
	st        *store.Store
	life      *lifecycle.Machine
	reg       *persona.Registry
	cooldowns *persona.CooldownTracker
	llm       *ollama.Client
	status    *ollama.StatusCache
	log       *zap.Logger
	now       func() time.Time

	tasks chan *task
	wake  chan struct{}

	mu       sync.Mutex
	inflight map[string]bool // threadPath|messageID
	queued   map[string]int  // persona name -> pending tasks
}

// New builds an agent over the shared record store.
func New(cfg config.Config, st *store.Store, llm *ollama.Client, log *zap.Logger) *Agent {
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{
		cfg:       cfg,
		st:        st,
		life:      lifecycle.New(st, log),
		reg:       persona.NewRegistry(cfg.Data.Personas, log, cfg.AI.DefaultPersona),
		cooldowns: persona.NewCooldownTracker(),
		llm:       llm,
		status:    ollama.NewStatusCache(),
		log:       log,
		now:       time.Now,
		tasks:     make(chan *task, 64),
		wake:      make(chan struct{}, 1),
		inflight:  make(map[string]bool),
		queued:    make(map[string]int),
	}
}

// Registry exposes the persona registry for the status command.
func (a *Agent) Registry() *persona.Registry { return a.reg }

// Run scans until ctx is cancelled. The scan loop and the inference
// worker run concurrently; trigger matching never blocks on an
// in-flight inference call.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.worker(ctx) })

	g.Go(func() error {
		watcher := a.startWatcher()
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(a.cfg.AgentPollInterval())
		defer ticker.Stop()
		for {
			if err := a.ScanOnce(ctx); err != nil {
				if errors.Is(err, store.ErrDiskPressure) {
					a.log.Warn("disk full; pausing writes until space returns", zap.Error(err))
				} else {
					a.log.Error("scan failed", zap.Error(err))
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case <-a.wake:
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce performs a single scan pass and drains every task it queued,
// so one-shot invocations still produce replies instead of abandoning
// them in the channel.
func (a *Agent) RunOnce(ctx context.Context) error {
	if err := a.ScanOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case t := <-a.tasks:
			if err := a.runTask(ctx, t); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Error("inference task failed",
					zap.String("persona", t.personaName),
					zap.String("message_id", t.source.ID),
					zap.Error(err))
			}
		default:
			return nil
		}
	}
}

// startWatcher wakes the scan loop early when thread files change.
// Watch failures degrade to pure polling.
func (a *Agent) startWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn("fsnotify unavailable; polling only", zap.Error(err))
		return nil
	}
	if err := watcher.Add(a.cfg.Data.NodesBase); err != nil {
		a.log.Debug("cannot watch nodes base yet", zap.Error(err))
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					// New device trees and thread dirs show up while
					// running; watch them too.
					_ = watcher.Add(ev.Name)
				}
				select {
				case a.wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher
}

// ScanOnce reloads personas and processes every thread file once.
func (a *Agent) ScanOnce(ctx context.Context) error {
	a.reg.Reload()
	a.syncQueueCounts()
	trees, err := store.DeviceTrees(a.cfg.Data.NodesBase)
	if err != nil {
		return err
	}
	for _, tree := range trees {
		files, err := tree.ThreadFiles()
		if err != nil {
			return err
		}
		for _, path := range files {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := a.processThreadFile(ctx, tree, path); err != nil {
				// Disk pressure ends the cycle so no further work is
				// enqueued; the next tick retries once space returns.
				if errors.Is(err, store.ErrDiskPressure) {
					return err
				}
				a.log.Error("thread file processing failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
	return nil
}

func (a *Agent) processThreadFile(ctx context.Context, tree store.DeviceTree, path string) error {
	msgs, err := a.life.Messages(path)
	if err != nil {
		return err
	}
	fallbackType := tree.ThreadTypeForPath(path)
	for _, msg := range msgs {
		if msg.State != types.StateInbound {
			continue
		}
		threadType := msg.ThreadType
		if threadType == "" {
			threadType = fallbackType
		}
		channelIndex := -1
		if threadType == types.ThreadChannel {
			if index, ok := types.MetaInt(msg.Meta, types.MetaChannelIndex); ok {
				channelIndex = index
				if a.cfg.IgnoredChannel(index) {
					continue
				}
			}
		}
		if types.MetaBool(msg.Meta, types.MetaProcessed) {
			continue
		}
		if alreadyReplied(msgs, msg.ID) {
			continue
		}
		match := a.reg.Detect(msg.Content, threadType == types.ThreadDM)
		if match == nil {
			continue
		}
		if match.Command != "" {
			if err := a.handleControlCommand(ctx, path, msg, match); err != nil {
				return err
			}
			continue
		}
		prompt := strings.TrimSpace(match.Remainder)
		if prompt == "" {
			prompt = strings.TrimSpace(msg.Content)
		}
		if prompt == "" {
			continue
		}
		if !a.dispatchAllowed(match.Persona, threadType, msg.ThreadKey, channelIndex) {
			continue
		}
		a.enqueueTask(path, threadType, msg, match, prompt)
	}
	return nil
}

// alreadyReplied reports whether any row replies to sourceID.
func alreadyReplied(msgs []types.Message, sourceID string) bool {
	for _, m := range msgs {
		if m.ReplyToID != "" && m.ReplyToID == sourceID {
			return true
		}
	}
	return false
}

// dispatchAllowed applies the running flag, channel lists, and the
// per-(persona, thread) cooldown. Cooldown suppression happens before
// any inference work is queued.
func (a *Agent) dispatchAllowed(p *persona.Persona, threadType types.ThreadType, threadKey string, channelIndex int) bool {
	if !p.Runtime.Running {
		return false
	}
	if threadType == types.ThreadChannel && !p.AllowsChannel(channelIndex) {
		return false
	}
	cooldown := time.Duration(p.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = a.cfg.ReplyCooldown()
	}
	return a.cooldowns.Allow(p.Name, string(threadType), threadKey, cooldown, a.now())
}

func (a *Agent) enqueueTask(path string, threadType types.ThreadType, msg types.Message, match *persona.Match, prompt string) {
	key := path + "|" + msg.ID
	a.mu.Lock()
	if a.inflight[key] {
		a.mu.Unlock()
		return
	}
	a.inflight[key] = true
	a.mu.Unlock()

	p := match.Persona
	maxMsg := p.MaxMessageChars
	if maxMsg <= 0 {
		maxMsg = a.cfg.AI.MaxMessageChars
	}
	maxCtx := p.MaxContextChars
	if maxCtx <= 0 {
		maxCtx = a.cfg.AI.MaxContextChars
	}
	model := p.Model
	if model == "" {
		model = a.cfg.Ollama.ModelInstruct
	}
	t := &task{
		threadPath:      path,
		threadType:      threadType,
		threadKey:       msg.ThreadKey,
		source:          msg,
		prompt:          prompt,
		trigger:         match.Trigger,
		personaName:     p.Name,
		model:           model,
		temperature:     p.Temperature,
		systemPrompt:    strings.TrimSpace(p.SystemPrompt),
		maxMessageChars: maxMsg,
		maxContextChars: maxCtx,
	}
	select {
	case a.tasks <- t:
		a.bumpQueueCount(p.Name, +1)
		a.log.Info("queued inference task",
			zap.String("persona", p.Name),
			zap.String("message_id", msg.ID),
			zap.String("thread_key", msg.ThreadKey))
	default:
		a.mu.Lock()
		delete(a.inflight, key)
		a.mu.Unlock()
		a.log.Warn("task queue full; row stays unprocessed for the next scan",
			zap.String("message_id", msg.ID))
	}
}

// Queue-depth counters live in each persona's runtime block so the
// status command reflects in-flight work across restarts.

func (a *Agent) bumpQueueCount(personaName string, delta int) {
	a.mu.Lock()
	count := a.queued[personaName] + delta
	if count < 0 {
		count = 0
	}
	a.queued[personaName] = count
	a.mu.Unlock()
	if p := a.reg.ByName(personaName); p != nil && p.Runtime.QueueCount != count {
		p.Runtime.QueueCount = count
		if err := p.WriteRuntime(); err != nil {
			a.log.Warn("persona runtime write failed", zap.String("persona", personaName), zap.Error(err))
		}
	}
}

func (a *Agent) syncQueueCounts() {
	a.mu.Lock()
	counts := make(map[string]int, len(a.queued))
	for name, n := range a.queued {
		counts[name] = n
	}
	a.mu.Unlock()
	for _, p := range a.reg.All() {
		if want := counts[p.Name]; p.Runtime.QueueCount != want {
			p.Runtime.QueueCount = want
			if err := p.WriteRuntime(); err != nil {
				a.log.Warn("persona runtime write failed", zap.String("persona", p.Name), zap.Error(err))
			}
		}
	}
}

// handleControlCommand executes one control command synchronously and
// appends its reply rows, marking the source row processed in the same
// rewrite.
func (a *Agent) handleControlCommand(ctx context.Context, path string, msg types.Message, match *persona.Match) error {
	p := match.Persona
	now := a.now()
	p.RefreshToday(now)
	p.Runtime.ControlCalls++

	var texts []string
	switch match.Command {
	case persona.CmdStart:
		p.MarkStarted(now)
		texts = []string{fmt.Sprintf("%s is now running.", p.Name)}
	case persona.CmdStop:
		p.MarkStopped()
		texts = []string{fmt.Sprintf("%s is now stopped.", p.Name)}
	case persona.CmdStatus:
		summary := p.StatusSummary(now)
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		line := a.llm.Probe(probeCtx, a.status, a.requiredModels(p))
		cancel()
		texts = []string{summary + "\n" + line}
	case persona.CmdConfig:
		text, err := p.ConfigText()
		if err != nil {
			a.log.Warn("config read failed", zap.String("persona", p.Name), zap.Error(err))
			texts = []string{fmt.Sprintf("%s config unavailable.", p.Name)}
			break
		}
		limit := p.MaxMessageChars
		if limit <= 0 {
			limit = a.cfg.AI.MaxMessageChars
		}
		texts = splitWithPrefixRoom(strings.TrimSpace(text), limit)
	case persona.CmdHelp:
		texts = []string{fmt.Sprintf("%s commands: start, stop, status, config, help.", p.Name)}
	default:
		return nil
	}
	if err := p.WriteRuntime(); err != nil {
		a.log.Warn("persona runtime write failed", zap.String("persona", p.Name), zap.Error(err))
	}

	replies := make([]types.Message, 0, len(texts))
	for i, text := range texts {
		replies = append(replies, a.buildReply(p.Name, msg, text, i+1, len(texts), map[string]any{
			types.MetaReplyType:  "control",
			types.MetaControlCmd: match.Command,
			types.MetaTrigger:    match.Trigger,
		}))
	}
	a.log.Info("handled control command",
		zap.String("command", match.Command),
		zap.String("persona", p.Name),
		zap.String("message_id", msg.ID))
	return a.writeReplies(path, msg.ID, replies)
}

func (a *Agent) requiredModels(p *persona.Persona) []string {
	seen := map[string]bool{}
	var models []string
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	add(a.cfg.Ollama.ModelInstruct)
	add(p.Model)
	add(a.cfg.Ollama.ModelThink)
	return models
}

// buildReply constructs one queued reply row. Multi-part replies carry
// a "(i/n)" marker after the reply prefix and chunk indexes in meta.
// The source row's meta carries over so the outbound flush sends channel
// replies on the channel the question arrived on.
func (a *Agent) buildReply(personaName string, source types.Message, text string, index, total int, extra map[string]any) types.Message {
	prefix := "-"
	if total > 1 {
		prefix = fmt.Sprintf("- (%d/%d)", index, total)
	}
	content := prefix
	if text != "" {
		content = prefix + " " + text
	}
	meta := make(map[string]any, len(source.Meta)+6)
	for k, v := range source.Meta {
		meta[k] = v
	}
	meta[types.MetaSourceMessage] = source.ID
	meta[types.MetaPersona] = personaName
	for k, v := range extra {
		meta[k] = v
	}
	if total > 1 {
		meta[types.MetaChunkIndex] = index
		meta[types.MetaChunkTotal] = total
	}
	return types.Message{
		ThreadType: source.ThreadType,
		ThreadKey:  source.ThreadKey,
		ID:         uuid.NewString(),
		State:      types.StateQueued,
		SenderID:   personaName,
		ReplyToID:  source.ID,
		Timestamp:  a.now(),
		Content:    content,
		Meta:       meta,
	}
}

// writeReplies marks the source row processed and appends the reply
// rows in one atomic rewrite, so a crash can never leave the source
// processed without its replies or vice versa.
func (a *Agent) writeReplies(path, sourceID string, replies []types.Message) error {
	return a.st.RewriteRows(path, store.ThreadSchema, func(rows []store.Row) ([]store.Row, bool, error) {
		found := false
		for _, row := range rows {
			if row["message_id"] != sourceID {
				continue
			}
			meta := types.DecodeMeta(row["meta_json"])
			meta[types.MetaProcessed] = true
			row["meta_json"] = types.EncodeMeta(meta)
			found = true
			break
		}
		if !found {
			a.log.Warn("source row missing during reply write",
				zap.String("message_id", sourceID), zap.String("path", path))
		}
		for _, reply := range replies {
			rows = append(rows, store.MessageRow(reply))
		}
		return rows, true, nil
	})
}
