package output

import (
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const (
	fallbackWidth = 80
	narrowest     = 20
)

// TerminalWidth reports the stdout width. COLUMNS is consulted when stdout
// is not a terminal; def (or 80) is used when neither is known.
func TerminalWidth(def int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	if def > 0 {
		return def
	}
	return fallbackWidth
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// WriteReport writes a markdown report to w. Terminals get it styled by
// glamour; pipes and files get the markdown source.
func WriteReport(w io.Writer, md string) error {
	if !isTTY(w) {
		_, err := io.WriteString(w, md)
		return err
	}
	out, err := renderMarkdown(md, max(TerminalWidth(0), narrowest))
	if err != nil {
		_, werr := io.WriteString(w, md)
		return werr
	}
	_, err = io.WriteString(w, out)
	return err
}

func renderMarkdown(md string, width int) (string, error) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		return "", err
	}
	return r.Render(md)
}
