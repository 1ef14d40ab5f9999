// Package ollama is a small native client for the Ollama HTTP API,
// covering only the calls the dispatch engine needs: model listing,
// model pulls, and non-streaming generation.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable marks a backend that could not be reached. Callers
// treat it as transient and leave the triggering row queued.
var ErrUnavailable = errors.New("ollama unavailable")

// Model availability states reported by status.
const (
	ModelAvailable   = "available"
	ModelDownloading = "downloading"
	ModelMissing     = "missing"
	ModelUnknown     = "unknown"
)

// Client talks to one Ollama server.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// New returns a client for baseURL, e.g. "http://localhost:11434".
// The timeout bounds every call except generation, which can
// legitimately run for minutes on small hardware and is bounded by its
// context instead.
func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type listResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// List returns the names of installed models, including each name's
// base form without a tag ("llama3.2:latest" also yields "llama3.2").
func (c *Client) List(ctx context.Context) ([]string, error) {
	url := c.baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(body))
	}
	var result listResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	var names []string
	for _, m := range result.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		if name == "" {
			continue
		}
		names = append(names, name)
		if base, _, ok := strings.Cut(name, ":"); ok && base != "" {
			names = append(names, base)
		}
	}
	return names, nil
}

// EnsureModel checks that model is installed and pulls it when it is
// not, streaming pull progress to the log. Blocks until the pull
// finishes or ctx is cancelled.
func (c *Client) EnsureModel(ctx context.Context, model string) error {
	installed, err := c.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range installed {
		if name == model {
			return nil
		}
	}

	c.log.Info("pulling model", zap.String("model", model))
	body, err := json.Marshal(map[string]any{"model": model})
	if err != nil {
		return err
	}
	url := c.baseURL + "/api/pull"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// Pulls stream for as long as the download takes; bypass the
	// per-call timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d pulling %s: %s", resp.StatusCode, model, string(b))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lastStatus := ""
	for scanner.Scan() {
		var line struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			return fmt.Errorf("pull %s: %s", model, line.Error)
		}
		if line.Status != "" && line.Status != lastStatus {
			lastStatus = line.Status
			c.log.Debug("pull progress", zap.String("model", model), zap.String("status", line.Status))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pull %s: %w", model, err)
	}
	c.log.Info("model pulled", zap.String("model", model))
	return nil
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Stream  bool           `json:"stream"`
}

type generateResponse struct {
	Response        string `json:"response"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	TotalDuration   int64  `json:"total_duration"`
	Error           string `json:"error"`
}

// GenerateResult is one completed inference call.
type GenerateResult struct {
	Text            string
	EvalTokens      int
	PromptEvalCount int
	Duration        time.Duration
}

// Generate runs one non-streaming completion. A nil options map sends
// server defaults.
func (c *Client) Generate(ctx context.Context, model, prompt, system string, options map[string]any) (*GenerateResult, error) {
	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		System:  system,
		Options: options,
		Stream:  false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	url := c.baseURL + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	// Generation time is bounded by ctx, not the list/pull timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: POST %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(b))
	}
	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("generate with %s: %s", model, result.Error)
	}
	return &GenerateResult{
		Text:            result.Response,
		EvalTokens:      result.EvalCount,
		PromptEvalCount: result.PromptEvalCount,
		Duration:        time.Duration(result.TotalDuration),
	}, nil
}

// StatusCache remembers the last known backend reachability and
// per-model availability so status replies never block on a probe
// that already ran recently.
type StatusCache struct {
	mu        sync.Mutex
	connected *bool
	models    map[string]string
}

// NewStatusCache returns an empty cache.
func NewStatusCache() *StatusCache {
	return &StatusCache{models: make(map[string]string)}
}

// SetConnected records backend reachability; nil means unknown.
func (s *StatusCache) SetConnected(v *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

// SetModel records one model's availability state. Downloading is
// sticky: a probe that reports missing never demotes a model a pull is
// actively fetching.
func (s *StatusCache) SetModel(model, state string) {
	if model == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models[model] == ModelDownloading && (state == ModelMissing || state == ModelUnknown) {
		return
	}
	s.models[model] = state
}

// Snapshot returns reachability plus the state of each requested
// model, defaulting to unknown.
func (s *StatusCache) Snapshot(models []string) (connected *bool, states map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states = make(map[string]string, len(models))
	for _, m := range models {
		state, ok := s.models[m]
		if !ok {
			state = ModelUnknown
		}
		states[m] = state
	}
	return s.connected, states
}

// Probe refreshes the cache for the given models with one bounded
// List call and returns a human-readable status line.
func (c *Client) Probe(ctx context.Context, cache *StatusCache, models []string) string {
	if len(models) == 0 {
		return "Ollama: not configured"
	}
	installed, err := c.List(ctx)
	if err != nil {
		no := false
		cache.SetConnected(&no)
		return "Ollama: offline | models unavailable"
	}
	yes := true
	cache.SetConnected(&yes)
	have := make(map[string]bool, len(installed))
	for _, name := range installed {
		have[name] = true
	}
	var missing []string
	var downloading []string
	for _, m := range models {
		if have[m] {
			cache.SetModel(m, ModelAvailable)
			continue
		}
		cache.SetModel(m, ModelMissing)
	}
	_, states := cache.Snapshot(models)
	for m, state := range states {
		switch state {
		case ModelDownloading:
			downloading = append(downloading, m)
		case ModelMissing, ModelUnknown:
			missing = append(missing, m)
		}
	}
	sort.Strings(downloading)
	sort.Strings(missing)
	if len(downloading) == 0 && len(missing) == 0 {
		return "Ollama: connected | all required models ready"
	}
	var parts []string
	if len(downloading) > 0 {
		parts = append(parts, "downloading "+strings.Join(downloading, ", "))
	}
	if len(missing) > 0 {
		parts = append(parts, "missing "+strings.Join(missing, ", "))
	}
	return "Ollama: connected | " + strings.Join(parts, "; ")
}
