package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the espalier ASCII banner.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct {
		text  string
		color string
	}{
		{"                       _ _", "#4ade80"},
		{"   ___  ___ _ __   __ _| (_) ___ _ __", "#34d399"},
		{"  / _ \\/ __| '_ \\ / _` | | |/ _ \\ '__|", "#2dd4bf"},
		{" |  __/\\__ \\ |_) | (_| | | |  __/ |", "#22d3ee"},
		{"  \\___||___/ .__/ \\__,_|_|_|\\___|_|", "#38bdf8"},
		{"           |_|", "#60a5fa"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}
