package persona

import (
	"strings"
)

// Control commands are a disjoint category checked before any
// inference dispatch. They act on persona runtime state directly.
const (
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdStatus = "status"
	CmdConfig = "config"
	CmdHelp   = "help"
)

var controlCommands = map[string]bool{
	CmdStart:  true,
	CmdStop:   true,
	CmdStatus: true,
	CmdConfig: true,
	CmdHelp:   true,
}

// IsControlCommand reports whether word names a control command.
func IsControlCommand(word string) bool {
	return controlCommands[strings.ToLower(word)]
}

// Match is the result of testing inbound content against the registry.
type Match struct {
	Persona   *Persona
	Trigger   string // the token as it appeared, punctuation stripped
	Command   string // control command, empty for inference dispatch
	Remainder string // content after trigger (and command) removal
}

// Detect tests message content against every persona trigger. A
// trigger matches only when the first whitespace-delimited token,
// stripped of trailing punctuation, equals it case-insensitively; so
// "librarian:" matches the librarian trigger but "librariantell"
// matches nothing. Direct-message threads fall back to the default
// persona when no trigger matches. The token after the trigger names
// a control command when it is one.
func (r *Registry) Detect(content string, isDM bool) *Match {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return nil
	}
	first := trimTriggerPunct(fields[0])
	p := r.ByTrigger(first)
	rest := fields[1:]
	if p == nil {
		if !isDM {
			return nil
		}
		p = r.Default()
		if p == nil {
			return nil
		}
		// No trigger token to strip on the default-persona path.
		first = ""
		rest = fields
	}
	m := &Match{Persona: p, Trigger: first}
	if len(rest) == 0 {
		return m
	}
	if IsControlCommand(rest[0]) {
		m.Command = strings.ToLower(rest[0])
		rest = rest[1:]
	}
	m.Remainder = strings.Join(rest, " ")
	return m
}

// trimTriggerPunct drops trailing punctuation from a candidate trigger
// token: "librarian:", "librarian," and "librarian?" all resolve to
// "librarian".
func trimTriggerPunct(token string) string {
	return strings.TrimRight(token, ":;,.!?")
}
