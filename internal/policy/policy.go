// Package policy decides whether a command may execute. A Policy is an
// immutable snapshot of exact-match names and compiled allow-patterns, built
// once from configuration and threaded through every validation call — deep
// helpers never re-read the process environment.
package policy

import (
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Validation errors surfaced verbatim in tool results.
var (
	ErrEmptyCommand = errors.New("Empty command")
	ErrNoPolicy     = errors.New("No commands are allowed. Please set ALLOW_COMMANDS environment variable.")

	// ErrEmptyBeforePipe / ErrEmptyAfterPipe reject pipelines with a
	// missing stage on either side of a "|".
	ErrEmptyBeforePipe = errors.New("Empty command before pipe operator")
	ErrEmptyAfterPipe  = errors.New("Empty command after pipe operator")
)

// NotAllowedError reports a command name rejected by the policy.
type NotAllowedError struct {
	Command string
}

func (e *NotAllowedError) Error() string {
	return "Command not allowed: " + e.Command
}

// OperatorError reports a control operator the engine refuses to execute.
type OperatorError struct {
	Token    string
	Pipeline bool // inside a pipeline, for the more specific message
}

func (e *OperatorError) Error() string {
	if e.Pipeline {
		return "Unexpected shell operator in pipeline: " + e.Token
	}
	return "Unexpected shell operator: " + e.Token
}

// controlOperators are recognized only to be rejected.
var controlOperators = map[string]bool{
	";":  true,
	"&&": true,
	"||": true,
	"|":  true,
}

// Policy is the immutable allow-policy. A command name is allowed iff it
// exactly matches a configured name or fully matches one compiled pattern.
type Policy struct {
	names    map[string]struct{}
	patterns []*regexp.Regexp
}

// New builds a Policy from literal names and regex pattern sources. Patterns
// are anchored at both ends so a pattern matches the whole command name, not
// a substring. A pattern that fails to compile is logged and skipped rather
// than aborting policy construction.
func New(names []string, patterns []string, logger *slog.Logger) *Policy {
	p := &Policy{names: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			p.names[trimmed] = struct{}{}
		}
	}
	for _, src := range patterns {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + src + ")$")
		if err != nil {
			if logger != nil {
				logger.Warn("skipping invalid allow pattern",
					slog.String("pattern", src),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		p.patterns = append(p.patterns, re)
	}
	return p
}

// Empty reports whether the policy permits nothing at all.
func (p *Policy) Empty() bool {
	return len(p.names) == 0 && len(p.patterns) == 0
}

// IsAllowed reports whether the command name is permitted. The name is
// trimmed once here, before both the exact lookup and the pattern match, so
// the two paths can never disagree on whitespace handling.
func (p *Policy) IsAllowed(command string) bool {
	cmd := strings.TrimSpace(command)
	if _, ok := p.names[cmd]; ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// AllowedCommands returns the sorted exact-match names, for surfacing in the
// tool description.
func (p *Policy) AllowedCommands() []string {
	out := make([]string, 0, len(p.names))
	for name := range p.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateCommand checks a single command vector: non-empty, policy
// configured, head token allowed.
func (p *Policy) ValidateCommand(command []string) error {
	if len(command) == 0 {
		return ErrEmptyCommand
	}
	if p.Empty() {
		return ErrNoPolicy
	}
	if head := strings.TrimSpace(command[0]); !p.IsAllowed(head) {
		return &NotAllowedError{Command: head}
	}
	return nil
}

// ValidateOperatorToken rejects control operator tokens. Applied to every
// token of a non-pipeline command so stray operators are caught before they
// are silently treated as arguments.
func (p *Policy) ValidateOperatorToken(token string) error {
	if controlOperators[token] {
		return &OperatorError{Token: token}
	}
	return nil
}

// ValidatePipeline walks a flattened token stream (stages separated by "|")
// and checks every stage head against the policy. Both sides of every pipe
// must hold a non-empty stage.
func (p *Policy) ValidatePipeline(tokens []string) error {
	var current []string
	for _, tok := range tokens {
		switch {
		case tok == "|":
			if len(current) == 0 {
				return ErrEmptyBeforePipe
			}
			if !p.IsAllowed(current[0]) {
				return &NotAllowedError{Command: strings.TrimSpace(current[0])}
			}
			current = current[:0]
		case tok == ";" || tok == "&&" || tok == "||":
			return &OperatorError{Token: tok, Pipeline: true}
		default:
			current = append(current, tok)
		}
	}

	if len(current) == 0 {
		return ErrEmptyAfterPipe
	}
	if !p.IsAllowed(current[0]) {
		return &NotAllowedError{Command: strings.TrimSpace(current[0])}
	}
	return nil
}
