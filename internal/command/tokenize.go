package command

import (
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Tokenize splits a raw command line into the argument vector of its first
// simple command. Leading NAME=VALUE assignments are stripped by the parser,
// and an `env` wrapper is unwound so that `FOO=1 env BAR=2 git push` and
// `git push` tokenize to the same vector. The same function runs at rule
// load time, so a command and a rule's `commands` list always compare on
// identical terms.
func Tokenize(raw string) []string {
	words := parseFirstCall(raw)
	if len(words) == 0 {
		words = fallbackFields(raw)
	}
	return unwrapEnv(words)
}

// BaseExecutable returns the executable name a rule's `commands` list is
// matched against: the final path element of the first token.
func BaseExecutable(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return filepath.Base(argv[0])
}

func parseFirstCall(raw string) []string {
	parser := syntax.NewParser()
	file, parseErr := parser.Parse(strings.NewReader(raw), "")
	if parseErr != nil {
		return nil
	}
	var words []string
	syntax.Walk(file, func(node syntax.Node) bool {
		if len(words) > 0 {
			return false
		}
		call, isCall := node.(*syntax.CallExpr)
		if !isCall {
			return true
		}
		for _, word := range call.Args {
			words = append(words, wordText(word))
		}
		return false
	})
	return words
}

// wordText flattens a shell word to its literal text. Expansions that would
// need a live environment (parameter or command substitution) contribute
// nothing; tokenizing stays deterministic regardless of caller environment.
func wordText(word *syntax.Word) string {
	var builder strings.Builder
	writeParts(&builder, word.Parts)
	return builder.String()
}

func writeParts(builder *strings.Builder, parts []syntax.WordPart) {
	for _, part := range parts {
		switch typed := part.(type) {
		case *syntax.Lit:
			builder.WriteString(typed.Value)
		case *syntax.SglQuoted:
			builder.WriteString(typed.Value)
		case *syntax.DblQuoted:
			writeParts(builder, typed.Parts)
		}
	}
}

// fallbackFields is the tokenizer of last resort for command lines the shell
// parser rejects. Whitespace splitting with assignment-prefix skipping keeps
// the executable derivation deterministic for malformed input.
func fallbackFields(raw string) []string {
	fields := strings.Fields(raw)
	start := 0
	for start < len(fields) && isAssignment(fields[start]) {
		start++
	}
	return fields[start:]
}

func unwrapEnv(words []string) []string {
	if len(words) == 0 || filepath.Base(words[0]) != "env" {
		return words
	}
	for index := 1; index < len(words); index++ {
		token := words[index]
		if isAssignment(token) || strings.HasPrefix(token, "-") {
			continue
		}
		return words[index:]
	}
	return nil
}

func isAssignment(token string) bool {
	equals := strings.Index(token, "=")
	if equals <= 0 {
		return false
	}
	name := token[:equals]
	for position, char := range name {
		switch {
		case char == '_',
			char >= 'a' && char <= 'z',
			char >= 'A' && char <= 'Z':
		case char >= '0' && char <= '9':
			if position == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
