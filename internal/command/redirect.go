package command

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ExpandRedirect renders a redirect rule's target template into an argument
// vector. A standalone $CMD token splices in the original argv and $ARGS the
// original arguments; either placeholder inside a larger token substitutes
// the space-joined form but stays a single argument. The result is an argv
// slice so the handoff boundary never re-parses shell text.
func ExpandRedirect(template string, context *Context) ([]string, error) {
	tokens, splitErr := shellquote.Split(template)
	if splitErr != nil {
		return nil, fmt.Errorf("invalid redirect target %q: %w", template, splitErr)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty redirect target")
	}

	argv := make([]string, 0, len(tokens)+len(context.argv))
	for _, token := range tokens {
		switch token {
		case "$CMD":
			argv = append(argv, context.Argv()...)
		case "$ARGS":
			argv = append(argv, context.Args...)
		default:
			replaced := strings.ReplaceAll(token, "$CMD", strings.Join(context.argv, " "))
			replaced = strings.ReplaceAll(replaced, "$ARGS", strings.Join(context.Args, " "))
			argv = append(argv, replaced)
		}
	}
	return argv, nil
}
