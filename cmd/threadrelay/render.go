package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/threadrelay/pkg/relay"
)

var (
	salmonPink = lipgloss.Color("#FFB3BA")
	mintGreen  = lipgloss.Color("#A8E6CF")
	errorRed   = lipgloss.Color("203")
	mutedGray  = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(salmonPink)
	labelStyle = lipgloss.NewStyle().Foreground(mutedGray).Width(9)
)

func resultBox(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(0, 1)
}

// renderResult renders the automation outcome.
func renderResult(res relay.Result, elapsed time.Duration) string {
	var content strings.Builder
	if res.OK() {
		content.WriteString(lipgloss.NewStyle().Bold(true).Foreground(mintGreen).Render("✓ Submitted"))
		content.WriteString(fmt.Sprintf("\nContent submitted to the destination in %s", elapsed.Round(time.Millisecond)))
		return resultBox(mintGreen).Render(content.String())
	}

	content.WriteString(lipgloss.NewStyle().Bold(true).Foreground(errorRed).Render("✗ Failed"))
	reason := res.Reason
	if reason == "" {
		reason = "unknown error"
	}
	content.WriteString("\n" + reason)
	return resultBox(errorRed).Render(content.String())
}

// renderError renders an error that stopped the command.
func renderError(err error) string {
	return lipgloss.NewStyle().Foreground(errorRed).Render("Error: " + err.Error())
}

// printer writes progress lines according to the configured verbosity.
type printer struct {
	w       io.Writer
	quiet   bool
	verbose bool
}

func newPrinter(w io.Writer, verbosity string) *printer {
	return &printer{
		w:       w,
		quiet:   verbosity == "quiet",
		verbose: verbosity == "verbose" || verbosity == "debug",
	}
}

func (p *printer) banner() {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.w, titleStyle.Render(fmt.Sprintf("threadrelay v%s", version)))
}

func (p *printer) info(label, value string) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.w, labelStyle.Render(label)+" "+value)
}

// detail is info shown only at verbose levels.
func (p *printer) detail(label, value string) {
	if p.verbose {
		p.info(label, value)
	}
}
