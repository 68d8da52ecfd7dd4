// Package input expands command arguments read from stdin ("-") or from
// files ("@path"), one token per whitespace-separated word.
package input

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ExpandArgs replaces "-" with the tokens read from stdin and "@path" with
// the tokens of that file. stdin may be read once.
func ExpandArgs(values []string, stdin io.Reader) ([]string, error) {
	var (
		result    []string
		stdinUsed bool
	)
	for _, v := range values {
		switch {
		case v == "-":
			if stdinUsed {
				return nil, fmt.Errorf("stdin can only be read once")
			}
			stdinUsed = true
			tokens, err := ReadTokens(stdin)
			if err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
			result = append(result, tokens...)
		case strings.HasPrefix(v, "@") && len(v) > 1:
			path := v[1:]
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			tokens, err := ReadTokens(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			result = append(result, tokens...)
		default:
			result = append(result, v)
		}
	}
	return result, nil
}

// ReadTokens reads whitespace-separated tokens, skipping "#" comments.
func ReadTokens(r io.Reader) ([]string, error) {
	var tokens []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		tokens = append(tokens, strings.Fields(line)...)
	}
	return tokens, scanner.Err()
}
