package generator

import (
	"github.com/pkg/errors"
)

// Lint performs the structural checks shared by nginx-style grammars: balanced blocks, closed
// quotes and every directive terminated by ';'. It catches template mistakes before the proxy's
// own check runs.
func Lint(text string) error {
	depth := 0
	line := 1
	pending := false
	pendingLine := 0

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '\n':
			line++
		case '#':
			for i < len(text) && text[i] != '\n' {
				i++
			}
			line++
		case '"', '\'':
			start := line
			i++
			for i < len(text) && text[i] != c {
				if text[i] == '\\' {
					i++
				} else if text[i] == '\n' {
					line++
				}
				i++
			}
			if i >= len(text) {
				return errors.Errorf("line %d: unterminated quote", start)
			}
			if !pending {
				pending, pendingLine = true, start
			}
		case '\\':
			i++
			if !pending {
				pending, pendingLine = true, line
			}
		case ';':
			if !pending {
				return errors.Errorf("line %d: empty directive", line)
			}
			pending = false
		case '{':
			if !pending {
				return errors.Errorf("line %d: block without a name", line)
			}
			depth++
			pending = false
		case '}':
			if pending {
				return errors.Errorf("line %d: directive not terminated by ';'", pendingLine)
			}
			depth--
			if depth < 0 {
				return errors.Errorf("line %d: unexpected '}'", line)
			}
		case ' ', '\t', '\r':
		default:
			if !pending {
				pending, pendingLine = true, line
			}
		}
	}

	if pending {
		return errors.Errorf("line %d: directive not terminated by ';'", pendingLine)
	}
	if depth != 0 {
		return errors.Errorf("%d unclosed block(s)", depth)
	}
	return nil
}
