package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/highdesert/meshlink/internal/chunk"
	"github.com/highdesert/meshlink/internal/ollama"
	"github.com/highdesert/meshlink/internal/store"
	"github.com/highdesert/meshlink/internal/types"
)

var thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)

// stripThinkBlocks removes reasoning-model think tags; only the final
// answer goes over the air.
func stripThinkBlocks(text string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

// worker is the single consumer of the task queue. All inference calls
// serialize through it regardless of persona or thread, because the
// backend supports only one productive concurrent call.
func (a *Agent) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
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
		}
	}
}

// runTask processes one task and releases its inflight and queue-count
// bookkeeping regardless of outcome.
func (a *Agent) runTask(ctx context.Context, t *task) error {
	err := a.processTask(ctx, t)
	key := t.threadPath + "|" + t.source.ID
	a.mu.Lock()
	delete(a.inflight, key)
	a.mu.Unlock()
	a.bumpQueueCount(t.personaName, -1)
	return err
}

// processTask runs one inference call end to end: counters before,
// model call, reply rows plus processed flag in one rewrite, counters
// and audit row after. Failures leave the source row unprocessed so a
// later scan retries, and still produce an audit row with the reason.
func (a *Agent) processTask(ctx context.Context, t *task) error {
	p := a.reg.ByName(t.personaName)
	if p == nil {
		return fmt.Errorf("persona %s disappeared before dispatch", t.personaName)
	}
	if !p.Runtime.Running {
		a.log.Info("persona stopped; postponing task",
			zap.String("persona", t.personaName),
			zap.String("message_id", t.source.ID))
		return nil
	}
	if t.model == "" {
		err := fmt.Errorf("no model configured for persona %s", t.personaName)
		a.recordInvocation(t, "", 0, 0, 0, 0, types.InvocationFailed, err.Error())
		return err
	}
	if err := a.llm.EnsureModel(ctx, t.model); err != nil {
		a.status.SetModel(t.model, ollama.ModelMissing)
		a.recordInvocation(t, "", 0, 0, 0, 0, types.InvocationFailed, err.Error())
		return err
	}
	a.status.SetModel(t.model, ollama.ModelAvailable)

	prompt := a.buildPrompt(t)
	var options map[string]any
	if t.temperature != nil {
		options = map[string]any{"temperature": *t.temperature}
	}
	start := a.now()
	result, err := a.llm.Generate(ctx, t.model, prompt, t.systemPrompt, options)
	if err != nil {
		a.recordInvocation(t, "", len(prompt), 0, 0, a.now().Sub(start).Milliseconds(), types.InvocationFailed, err.Error())
		return err
	}
	durationMS := a.now().Sub(start).Milliseconds()

	text := stripThinkBlocks(result.Text)
	if text == "" {
		reason := "empty response"
		if result.Text != "" {
			reason = "response contained only think content"
		}
		a.recordInvocation(t, "", len(prompt), 0, result.EvalTokens, durationMS, types.InvocationFailed, reason)
		a.log.Warn("discarding empty inference response",
			zap.String("persona", t.personaName),
			zap.String("message_id", t.source.ID))
		return nil
	}

	pieces := splitWithPrefixRoom(text, t.maxMessageChars)
	extra := map[string]any{
		types.MetaReplyType:  "llm",
		types.MetaModel:      t.model,
		types.MetaTrigger:    t.trigger,
		types.MetaDurationMS: durationMS,
	}
	if t.temperature != nil {
		extra[types.MetaTemperature] = *t.temperature
	}
	replies := make([]types.Message, 0, len(pieces))
	for i, piece := range pieces {
		replies = append(replies, a.buildReply(t.personaName, t.source, piece, i+1, len(pieces), extra))
	}

	p.RefreshToday(a.now())
	p.Runtime.TotalCalls++
	p.Runtime.TodayCalls++
	if err := p.WriteRuntime(); err != nil {
		a.log.Warn("persona runtime write failed", zap.String("persona", p.Name), zap.Error(err))
	}

	if err := a.writeReplies(t.threadPath, t.source.ID, replies); err != nil {
		return err
	}
	a.cooldowns.Record(t.personaName, string(t.threadType), t.threadKey, a.now())
	a.recordInvocation(t, replies[0].ID, len(prompt), len(text), result.EvalTokens, durationMS, types.InvocationOK, "")
	a.log.Info("prepared inference reply",
		zap.String("persona", t.personaName),
		zap.String("thread_key", t.threadKey),
		zap.String("message_id", t.source.ID),
		zap.Int("parts", len(replies)))
	return nil
}

// splitWithPrefixRoom chunks text while reserving room for the reply
// prefix, so every part stays within the limit after "- " or "- (i/n) "
// is prepended. The "(i/n)" marker grows with the part count, so the
// reserve is recomputed from the count until it is wide enough.
func splitWithPrefixRoom(text string, limit int) []string {
	reserve := 2
	pieces := chunk.Split(text, limit-reserve)
	for len(pieces) > 1 {
		need := 6 + 2*len(strconv.Itoa(len(pieces)))
		if need <= reserve {
			break
		}
		reserve = need
		pieces = chunk.Split(text, limit-reserve)
	}
	return pieces
}

// buildPrompt prepends bounded thread context: the most recent
// messages, newest last, within the persona's character budget. The
// triggering message itself is excluded since its stripped text is the
// prompt.
func (a *Agent) buildPrompt(t *task) string {
	if t.maxContextChars <= 0 {
		return t.prompt
	}
	msgs, err := a.life.Messages(t.threadPath)
	if err != nil {
		a.log.Debug("context read failed; prompting without history", zap.Error(err))
		return t.prompt
	}
	budget := t.maxContextChars - len(t.prompt)
	var lines []string
	count := 0
	for i := len(msgs) - 1; i >= 0 && count < a.cfg.AI.ContextMessages; i-- {
		m := msgs[i]
		if m.ID == t.source.ID || m.Content == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s", m.SenderID, m.Content)
		if len(line)+1 > budget {
			break
		}
		budget -= len(line) + 1
		lines = append(lines, line)
		count++
	}
	if len(lines) == 0 {
		return t.prompt
	}
	// Collected newest-first; emit oldest-first.
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for i := len(lines) - 1; i >= 0; i-- {
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(t.prompt)
	return b.String()
}

// recordInvocation appends one audit row. Append-only: retries of the
// same source message produce additional rows with their own reasons.
func (a *Agent) recordInvocation(t *task, replyID string, promptChars, responseChars, evalTokens int, durationMS int64, status, reason string) {
	inv := types.Invocation{
		ID:              uuid.NewString(),
		SourceMessageID: t.source.ID,
		ReplyMessageID:  replyID,
		Persona:         t.personaName,
		Model:           t.model,
		PromptChars:     promptChars,
		ResponseChars:   responseChars,
		EvalTokens:      evalTokens,
		DurationMS:      durationMS,
		CreatedAt:       a.now(),
		Status:          status,
		Reason:          reason,
	}
	path := store.InvocationsPath(a.cfg.Data.Root)
	if err := a.st.AppendRow(path, store.InvocationsSchema, store.InvocationRow(inv)); err != nil {
		a.log.Error("invocation audit append failed", zap.Error(err))
	}
}
