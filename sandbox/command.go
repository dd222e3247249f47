package sandbox

import (
	"fmt"
	"strings"

	"github.com/tallisward/hooksd/core"
)

// Command is a parsed command line: the program followed by its
// positional arguments, in order.
type Command struct {
	Program string
	Args    []string
}

// Tokens returns the full ordered token sequence
func (c Command) Tokens() []string {
	return append([]string{c.Program}, c.Args...)
}

// ParseCommand parses a command string in two passes: an injection scan
// that rejects shell metacharacters, then a quote-aware tokenizer.
//
// The scan rejects unconditionally on a backtick or the sequence "$("
// anywhere in the input, and on any of `; && || | > <`, newline, or
// carriage return appearing outside single or double quotes. A backslash
// escapes quote characters only; everything else it precedes is literal.
//
// Commands never reach a shell interpreter, so these rejections are a
// second fence, not the sandbox itself.
func ParseCommand(input string) (Command, error) {
	if strings.TrimSpace(input) == "" {
		return Command{}, fmt.Errorf("%w: empty command", core.ErrCommandInjection)
	}

	if err := scanForInjection(input); err != nil {
		return Command{}, err
	}

	tokens, err := tokenize(input)
	if err != nil {
		return Command{}, err
	}
	if len(tokens) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", core.ErrCommandInjection)
	}

	return Command{Program: tokens[0], Args: tokens[1:]}, nil
}

// scanForInjection is pass 1: walk the string tracking quote state and
// reject shell metacharacters outside quotes.
func scanForInjection(input string) error {
	var inQuote bool
	var quoteChar byte

	for i := 0; i < len(input); i++ {
		ch := input[i]

		// Rejected regardless of quote state
		if ch == '`' {
			return fmt.Errorf("%w: backtick in %q", core.ErrCommandInjection, input)
		}
		if ch == '$' && i+1 < len(input) && input[i+1] == '(' {
			return fmt.Errorf("%w: command substitution in %q", core.ErrCommandInjection, input)
		}

		if ch == '"' || ch == '\'' {
			if i > 0 && input[i-1] == '\\' {
				continue // escaped quote has no toggle effect
			}
			if !inQuote {
				inQuote = true
				quoteChar = ch
			} else if ch == quoteChar {
				inQuote = false
			}
			continue
		}

		if inQuote {
			continue
		}

		switch ch {
		case ';', '|', '>', '<', '\n', '\r':
			return fmt.Errorf("%w: %q in %q", core.ErrCommandInjection, string(ch), input)
		case '&':
			if i+1 < len(input) && input[i+1] == '&' {
				return fmt.Errorf("%w: %q in %q", core.ErrCommandInjection, "&&", input)
			}
		}
	}

	return nil
}

// tokenize is pass 2: split on unquoted spaces. Quote characters are
// consumed, escaped quotes land in the token without their backslash.
func tokenize(input string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var inQuote bool
	var quoteChar byte

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(input); i++ {
		ch := input[i]

		if ch == '\\' && i+1 < len(input) && (input[i+1] == '"' || input[i+1] == '\'') {
			current.WriteByte(input[i+1])
			i++
			continue
		}

		if ch == '"' || ch == '\'' {
			if !inQuote {
				inQuote = true
				quoteChar = ch
			} else if ch == quoteChar {
				inQuote = false
			} else {
				current.WriteByte(ch)
			}
			continue
		}

		if ch == ' ' && !inQuote {
			flush()
			continue
		}

		current.WriteByte(ch)
	}

	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote in %q", core.ErrCommandInjection, input)
	}

	flush()
	return tokens, nil
}
