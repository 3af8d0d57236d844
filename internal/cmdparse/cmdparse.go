// Package cmdparse normalizes raw argument vectors and parses them into
// pipeline stages and redirection specs. It never hands caller input to a
// shell parser — all operator recognition works on whole tokens, and the
// final shell string is built by quoting every argument individually.
package cmdparse

import (
	"errors"
	"regexp"
	"strings"
)

// Shell operators recognized only to be rejected. They are never executed.
var protectedOperators = map[string]bool{
	"||": true,
	"&&": true,
	";":  true,
}

// Parse-time syntax errors. The messages are surfaced verbatim in tool
// results, so they keep the user-facing capitalization.
var (
	ErrMissingOutputPath = errors.New("Missing path for output redirection")
	ErrMissingInputPath  = errors.New("Missing path for input redirection")
	ErrOperatorAsTarget  = errors.New("Invalid redirection target: operator found")
)

// UnexpectedOperatorError reports a shell operator found where a plain
// argument was expected.
type UnexpectedOperatorError struct {
	Token string
}

func (e *UnexpectedOperatorError) Error() string {
	return "Unexpected shell operator: " + e.Token
}

// RedirectionSpec is the parsed redirection state of a single pipeline stage.
// Empty paths mean "no redirection" — stdout/stderr then default to
// engine-managed pipes.
type RedirectionSpec struct {
	StdinPath    string
	StdoutPath   string
	StdoutAppend bool
}

// HasStdin reports whether the stage reads its stdin from a file.
func (r RedirectionSpec) HasStdin() bool { return r.StdinPath != "" }

// HasStdout reports whether the stage writes its stdout to a file.
func (r RedirectionSpec) HasStdout() bool { return r.StdoutPath != "" }

// Normalize recovers pipe operators a caller glued onto a word
// ("ls|" or "ls|grep" arrive as single tokens). Protected operators pass
// through unchanged so the validator can reject them with their own message.
func Normalize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case protectedOperators[tok]:
			out = append(out, tok)
		case strings.Contains(tok, "|") && tok != "|":
			parts := strings.Split(tok, "|")
			for i, part := range parts {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					out = append(out, trimmed)
				}
				if i < len(parts)-1 {
					out = append(out, "|")
				}
			}
		default:
			out = append(out, tok)
		}
	}
	return out
}

// Clean drops zero-length tokens. Whitespace-only arguments are kept
// verbatim: callers may pass a literal space as an argument (e.g. to tr).
func Clean(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// ContainsPipe reports whether the token stream holds a pipe operator and
// therefore describes a pipeline.
func ContainsPipe(tokens []string) bool {
	for _, tok := range tokens {
		if tok == "|" {
			return true
		}
	}
	return false
}

// SplitPipeline cuts the token stream at each literal "|" token. A leading
// or trailing pipe yields an empty stage; rejecting those is the pipeline
// validator's job, not the splitter's.
func SplitPipeline(tokens []string) [][]string {
	var stages [][]string
	current := []string{}
	for _, tok := range tokens {
		if strings.TrimSpace(tok) == "|" {
			stages = append(stages, current)
			current = []string{}
		} else {
			current = append(current, tok)
		}
	}
	return append(stages, current)
}

// ExtractRedirections scans a single stage left to right, accumulating
// non-operator tokens into the command vector and collecting ">", ">>" and
// "<" with their targets into a RedirectionSpec. Any bare shell operator
// inside the stage is an error — by this point the stream has already been
// split at pipes, so none should remain.
func ExtractRedirections(tokens []string) ([]string, RedirectionSpec, error) {
	cmd := make([]string, 0, len(tokens))
	var spec RedirectionSpec

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		if tok == "|" || tok == ";" || tok == "&&" || tok == "||" {
			return nil, RedirectionSpec{}, &UnexpectedOperatorError{Token: tok}
		}

		switch tok {
		case ">", ">>":
			if i+1 >= len(tokens) {
				return nil, RedirectionSpec{}, ErrMissingOutputPath
			}
			if isRedirectOperator(tokens[i+1]) {
				return nil, RedirectionSpec{}, ErrOperatorAsTarget
			}
			spec.StdoutPath = tokens[i+1]
			spec.StdoutAppend = tok == ">>"
			i++
		case "<":
			if i+1 >= len(tokens) {
				return nil, RedirectionSpec{}, ErrMissingInputPath
			}
			if isRedirectOperator(tokens[i+1]) {
				return nil, RedirectionSpec{}, ErrOperatorAsTarget
			}
			spec.StdinPath = tokens[i+1]
			i++
		default:
			cmd = append(cmd, tok)
		}
	}

	return cmd, spec, nil
}

func isRedirectOperator(tok string) bool {
	return tok == ">" || tok == ">>" || tok == "<"
}

// safeArg matches arguments that need no quoting at all.
var safeArg = regexp.MustCompile(`^[A-Za-z0-9@%+=:,./_-]+$`)

// Quote builds a single shell-safe command string. Whitespace-only
// arguments are preserved inside single quotes; everything else is trimmed
// and strictly quoted so spaces, globs, and metacharacters reach the command
// literally.
func Quote(args []string) string {
	if len(args) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		if arg != "" && strings.TrimSpace(arg) == "" {
			quoted = append(quoted, "'"+arg+"'")
			continue
		}
		quoted = append(quoted, quoteArg(strings.TrimSpace(arg)))
	}
	return strings.Join(quoted, " ")
}

// quoteArg single-quotes one argument, escaping embedded single quotes the
// POSIX way: ' → '"'"'.
func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if safeArg.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
