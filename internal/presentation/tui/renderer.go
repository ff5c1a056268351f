package tui

import (
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// Renderer turns markdown into terminal output.
type Renderer func(markdown string) (string, error)

// Plain returns markdown unchanged.
func Plain(markdown string) (string, error) {
	return markdown, nil
}

// NewRenderer returns a glamour renderer sized to the terminal when f is one,
// and Plain otherwise.
func NewRenderer(f *os.File) Renderer {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return Plain
	}

	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 20 {
		opts = append(opts, glamour.WithWordWrap(width-4))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return Plain
	}
	return r.Render
}
