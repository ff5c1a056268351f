package tui

import (
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/muesli/termenv"
)

// Status colours a run status for terminal output.
func Status(s domain.RunStatus) termenv.Style {
	p := termenv.ColorProfile()
	style := termenv.String(string(s))
	switch s {
	case domain.StatusCompleted:
		return style.Foreground(p.Color("#4ade80")).Bold()
	case domain.StatusFailed:
		return style.Foreground(p.Color("#f87171")).Bold()
	case domain.StatusSuspended:
		return style.Foreground(p.Color("#facc15"))
	case domain.StatusRunning:
		return style.Foreground(p.Color("#60a5fa"))
	}
	return style.Faint()
}

// Faint dims secondary text.
func Faint(s string) termenv.Style {
	return termenv.String(s).Faint()
}
