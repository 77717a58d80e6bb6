// Package output formats CLI output: status lines, capture listings and
// labelled sections. Color is used only when writing to a terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/tonecapture/internal/capture"
)

// Palette.
const (
	ColorLime   = "154"
	ColorGray   = "245"
	ColorRed    = "196"
	ColorYellow = "220"
)

type styles struct {
	heading lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	label   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		heading: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorLime)),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
	}
}

// Writer provides formatted output for the CLI.
// Errors from writing are ignored for console output.
type Writer struct {
	out      io.Writer
	useColor bool
	styles   styles
}

// New creates a Writer. Color is enabled when out is a terminal and
// NO_COLOR is not set.
func New(out io.Writer) *Writer {
	return &Writer{out: out, useColor: IsTTY(out) && !NoColor(), styles: defaultStyles()}
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NoColor reports whether the NO_COLOR environment variable is set.
func NoColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}

func (w *Writer) render(s lipgloss.Style, text string) string {
	if !w.useColor {
		return text
	}
	return s.Render(text)
}

// Status prints a message with an icon.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "  %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status(w.render(w.styles.success, "✓"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.render(w.styles.warning, "!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.render(w.styles.err, "✗"), msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Heading prints a section title.
func (w *Writer) Heading(title string) {
	_, _ = fmt.Fprintln(w.out, w.render(w.styles.heading, title))
}

// Field prints an indented "label: value" line with labels aligned.
func (w *Writer) Field(label string, value any) {
	_, _ = fmt.Fprintf(w.out, "  %s %v\n", w.render(w.styles.label, fmt.Sprintf("%-14s", label+":")), value)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Progress prints a progress bar with message, redrawn in place.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 {
		return
	}
	pct := float64(current) / float64(total) * 100
	bar := renderProgressBar(current, total, 30)
	_, _ = fmt.Fprintf(w.out, "\r[%s] %3.0f%% %s", w.render(w.styles.success, bar), pct, msg)
	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

// ProgressDone ends an unfinished progress line.
func (w *Writer) ProgressDone() {
	_, _ = fmt.Fprintln(w.out)
}

func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := int(float64(current) / float64(total) * float64(width))
	filled = max(0, min(filled, width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// CaptureLine prints a one-line summary of c. Distance is shown when set;
// the cluster id is shown when c was assigned in epoch.
func (w *Writer) CaptureLine(c *capture.Capture, distance *float32, epoch int64) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %-16s %s", c.ID, c.Kind, c.Filename)
	if distance != nil {
		fmt.Fprintf(&sb, "  %s", w.render(w.styles.label, fmt.Sprintf("d=%.4f", *distance)))
	}
	if id, ok := c.ClusterAt(epoch); ok {
		fmt.Fprintf(&sb, "  [%s]", id)
	}
	_, _ = fmt.Fprintln(w.out, sb.String())
}

// CaptureDetail prints every field of c.
func (w *Writer) CaptureDetail(c *capture.Capture, epoch int64) {
	w.Heading(c.ID)
	w.Field("kind", c.Kind)
	w.Field("path", c.Path)
	w.Field("fingerprint", c.Fingerprint)
	w.Field("created", c.CreatedAt.Local().Format(time.DateTime))
	w.Field("updated", c.UpdatedAt.Local().Format(time.DateTime))
	if id, ok := c.ClusterAt(epoch); ok {
		w.Field("cluster", id)
	}
	if c.Embedding != nil {
		w.Field("embedding", fmt.Sprintf("%d dims", len(c.Embedding)))
	}
	if c.Notes != "" {
		w.Field("notes", c.Notes)
	}
	if len(c.Attributes) > 0 {
		w.Heading("attributes")
		names := make([]string, 0, len(c.Attributes))
		for name := range c.Attributes {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			vals := make([]string, 0, len(c.Attributes[name]))
			for _, v := range c.Attributes[name] {
				vals = append(vals, v.String())
			}
			w.Field(name, strings.Join(vals, ", "))
		}
	}
	if len(c.Chain) > 0 {
		w.Heading("chain")
		for _, l := range c.Chain {
			role := l.Role
			if role == "" {
				role = string(l.Device.Type)
			}
			w.Field(fmt.Sprintf("%d. %s", l.Order, role), fmt.Sprintf("%s (%s)", l.Device.DisplayName(), l.Device.Type))
		}
	}
}
