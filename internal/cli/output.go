package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // some work failed (deploy errors, failed notifications)
	ExitCommandError = 2 // bad config, unknown task, storage unreachable
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that are not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

var (
	accent  = lipgloss.Color("#D97706")
	dim     = lipgloss.Color("#6B7280")
	success = lipgloss.Color("#22C55E")
	danger  = lipgloss.Color("#EF4444")
	warning = lipgloss.Color("#F59E0B")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(dim)
	okStyle     = lipgloss.NewStyle().Foreground(success)
	failStyle   = lipgloss.NewStyle().Foreground(danger)
	warnStyle   = lipgloss.NewStyle().Foreground(warning)
)

// printer writes command results as JSON or as styled text.
type printer struct {
	w    io.Writer
	json bool
}

func (p printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) Table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(p.w, t.Render())
}

func (p printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return dimStyle.Render("-")
	}
	return t.Local().Format("2006-01-02 15:04 MST")
}

func yesNo(b bool) string {
	if b {
		return okStyle.Render("yes")
	}
	return failStyle.Render("no")
}
