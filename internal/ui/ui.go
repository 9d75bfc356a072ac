// Package ui provides styled terminal output helpers for the ck CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// RenderAccent styles s as a highlighted label.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles s as a success indicator.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError styles s as an error.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderMuted styles s as secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderPending styles the marker shown next to entities that have not
// reached the server yet.
func RenderPending(s string) string { return warnStyle.Render(s) }
