// Package persona loads persona definition files and owns their
// runtime state. A persona file is YAML with two regions: a
// hand-written declarative head (name, triggers, model, limits) and a
// machine-owned runtime block below a marker comment. Rewrites replace
// only the runtime block and preserve the head byte for byte, so
// operator comments and formatting survive every update.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/highdesert/meshlink/internal/lockfile"
)

// runtimeMarker separates the declarative head from the runtime block.
// Matching is prefix-based and case-insensitive so operators who edit
// the comment do not break the split.
const runtimeMarker = "# runtime fields"

const defaultMarkerLine = "# Runtime fields (updated by the agent; do not edit manually)"

// Runtime is the mutable tail of a persona file.
type Runtime struct {
	Running      bool   `yaml:"running"`
	TotalCalls   int    `yaml:"total_calls"`
	TodayCalls   int    `yaml:"today_calls"`
	TodayDate    string `yaml:"today_date"`
	LastStarted  string `yaml:"last_started"`
	ControlCalls int    `yaml:"control_calls"`
	QueueCount   int    `yaml:"queue_count"`
}

// Persona is one loaded definition plus its runtime state.
type Persona struct {
	Path            string
	Name            string
	Triggers        []string
	Description     string
	Timezone        string
	Model           string
	Temperature     *float64
	MaxMessageChars int
	MaxContextChars int
	CooldownSeconds int
	SystemPrompt    string
	AllowChannels   []int // nil means no allow list
	BlockChannels   []int
	Runtime         Runtime

	head       string
	markerLine string
}

type personaDoc struct {
	Name            string    `yaml:"name"`
	Triggers        []string  `yaml:"triggers"`
	Description     string    `yaml:"description"`
	Timezone        string    `yaml:"timezone"`
	Model           string    `yaml:"model"`
	Temperature     *float64  `yaml:"temperature"`
	MaxMessageChars int       `yaml:"max_message_chars"`
	MaxContextChars int       `yaml:"max_context_chars"`
	CooldownSeconds int       `yaml:"cooldown_seconds"`
	SystemPrompt    string    `yaml:"system_prompt"`
	AllowChannels   *[]int    `yaml:"allow_channels"`
	BlockChannels   *[]int    `yaml:"block_channels"`
	Runtime         `yaml:",inline"`
}

// Load parses one persona file.
func Load(path string) (*Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona %s: %w", path, err)
	}
	var doc personaDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	head, marker := splitHead(string(raw))
	name := doc.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	triggers := doc.Triggers
	if len(triggers) == 0 {
		triggers = []string{name}
	}
	p := &Persona{
		Path:            path,
		Name:            name,
		Triggers:        triggers,
		Description:     doc.Description,
		Timezone:        doc.Timezone,
		Model:           doc.Model,
		Temperature:     doc.Temperature,
		MaxMessageChars: doc.MaxMessageChars,
		MaxContextChars: doc.MaxContextChars,
		CooldownSeconds: doc.CooldownSeconds,
		SystemPrompt:    doc.SystemPrompt,
		Runtime:         doc.Runtime,
		head:            head,
		markerLine:      marker,
	}
	if doc.AllowChannels != nil {
		p.AllowChannels = *doc.AllowChannels
	}
	if doc.BlockChannels != nil {
		p.BlockChannels = *doc.BlockChannels
	}
	return p, nil
}

// splitHead returns everything above the runtime marker plus the
// marker line itself. Files without a marker keep their full text as
// head and get the default marker appended on first runtime write.
func splitHead(text string) (head, marker string) {
	var b strings.Builder
	rest := text
	for rest != "" {
		line := rest
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i+1]
			rest = rest[i+1:]
		} else {
			rest = ""
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), runtimeMarker) {
			return b.String(), strings.TrimRight(line, "\n")
		}
		b.WriteString(line)
	}
	return b.String(), defaultMarkerLine
}

// WriteRuntime atomically rewrites the persona file with the current
// runtime block, preserving the declarative head untouched.
func (p *Persona) WriteRuntime() error {
	head := p.head
	if head != "" && !strings.HasSuffix(head, "\n") {
		head += "\n"
	}
	var b strings.Builder
	b.WriteString(head)
	b.WriteString(p.markerLine)
	b.WriteString("\n")
	fmt.Fprintf(&b, "running: %t\n", p.Runtime.Running)
	fmt.Fprintf(&b, "total_calls: %d\n", p.Runtime.TotalCalls)
	fmt.Fprintf(&b, "today_calls: %d\n", p.Runtime.TodayCalls)
	fmt.Fprintf(&b, "today_date: %q\n", p.Runtime.TodayDate)
	fmt.Fprintf(&b, "last_started: %q\n", p.Runtime.LastStarted)
	fmt.Fprintf(&b, "control_calls: %d\n", p.Runtime.ControlCalls)
	fmt.Fprintf(&b, "queue_count: %d\n", p.Runtime.QueueCount)

	return lockfile.WithLock(p.Path, func() error {
		tmp, err := os.CreateTemp(filepath.Dir(p.Path), filepath.Base(p.Path)+".tmp*")
		if err != nil {
			return fmt.Errorf("stage persona rewrite: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.WriteString(b.String()); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write persona runtime: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("close persona temp: %w", err)
		}
		if err := os.Rename(tmpName, p.Path); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("replace persona file: %w", err)
		}
		return nil
	})
}

// Location resolves the persona's timezone, falling back to UTC.
func (p *Persona) Location() *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// RefreshToday rolls the same-day counter when the local calendar day
// has changed since the last call.
func (p *Persona) RefreshToday(now time.Time) {
	today := now.In(p.Location()).Format("2006-01-02")
	if p.Runtime.TodayDate != today {
		p.Runtime.TodayDate = today
		p.Runtime.TodayCalls = 0
	}
}

// MarkStarted flips the persona on and records the local start time.
func (p *Persona) MarkStarted(now time.Time) {
	p.Runtime.Running = true
	p.Runtime.LastStarted = now.In(p.Location()).Format(time.RFC3339)
}

// MarkStopped flips the persona off.
func (p *Persona) MarkStopped() {
	p.Runtime.Running = false
}

// StatusSummary is the short human-readable state line sent back over
// the mesh in response to a status command.
func (p *Persona) StatusSummary(now time.Time) string {
	local := now.In(p.Location())
	tz := local.Format("MST")
	state := "stopped"
	if p.Runtime.Running {
		state = "running"
	}
	last := "never"
	if p.Runtime.LastStarted != "" {
		if parsed, err := time.Parse(time.RFC3339, p.Runtime.LastStarted); err == nil {
			last = parsed.In(p.Location()).Format("2006-01-02 15:04:05 MST")
		} else {
			last = p.Runtime.LastStarted
		}
	}
	return fmt.Sprintf("%s %s | %s is %s. Calls: %d total, %d today. Last start: %s.",
		local.Format("2006-01-02 15:04:05"), tz, p.Name, state,
		p.Runtime.TotalCalls, p.Runtime.TodayCalls, last)
}

// ConfigText returns the raw persona file text for the config command.
func (p *Persona) ConfigText() (string, error) {
	var text string
	err := lockfile.WithLock(p.Path, func() error {
		raw, err := os.ReadFile(p.Path)
		if err != nil {
			return err
		}
		text = string(raw)
		return nil
	})
	return text, err
}

// AllowsChannel applies the persona's allow/block lists to a channel
// index. An index of -1 means the index is unknown and passes both
// lists.
func (p *Persona) AllowsChannel(index int) bool {
	if index < 0 {
		return true
	}
	if p.AllowChannels != nil {
		ok := false
		for _, allowed := range p.AllowChannels {
			if allowed == index {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, blocked := range p.BlockChannels {
		if blocked == index {
			return false
		}
	}
	return true
}

// Registry holds every persona loaded from a directory.
type Registry struct {
	dir         string
	log         *zap.Logger
	defaultName string
	byName      map[string]*Persona
	ordered     []*Persona
}

// NewRegistry loads personas from dir. Missing directories are logged
// and leave the registry empty rather than failing.
func NewRegistry(dir string, log *zap.Logger, defaultName string) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		dir:         dir,
		log:         log,
		defaultName: strings.ToLower(defaultName),
	}
	r.Reload()
	return r
}

// Reload re-reads every persona file. Declaration order is filename
// order, which is what trigger precedence follows.
func (r *Registry) Reload() {
	r.byName = make(map[string]*Persona)
	r.ordered = nil
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Warn("personas directory unreadable", zap.String("dir", r.dir), zap.Error(err))
		return
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, entry.Name()))
	}
	sort.Strings(paths)
	for _, path := range paths {
		p, err := Load(path)
		if err != nil {
			r.log.Error("skipping unparseable persona", zap.String("path", path), zap.Error(err))
			continue
		}
		key := strings.ToLower(p.Name)
		if _, dup := r.byName[key]; dup {
			r.log.Warn("duplicate persona name", zap.String("name", p.Name), zap.String("path", path))
			continue
		}
		r.byName[key] = p
		r.ordered = append(r.ordered, p)
	}
}

// All returns personas in declaration order.
func (r *Registry) All() []*Persona { return r.ordered }

// Default returns the configured default persona, or nil.
func (r *Registry) Default() *Persona { return r.byName[r.defaultName] }

// ByName looks a persona up case-insensitively.
func (r *Registry) ByName(name string) *Persona { return r.byName[strings.ToLower(name)] }

// ByTrigger returns the first persona in declaration order whose
// trigger list contains token (case-insensitive).
func (r *Registry) ByTrigger(token string) *Persona {
	lowered := strings.ToLower(token)
	for _, p := range r.ordered {
		for _, trig := range p.Triggers {
			if strings.ToLower(trig) == lowered {
				return p
			}
		}
	}
	return nil
}
