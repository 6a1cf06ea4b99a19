package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/ledger"
	"github.com/fatih/color"
)

// RunFormatter receives run progress notifications for display purposes.
// Formatters must not block: they are called inline on worker goroutines.
type RunFormatter interface {
	RunStarted(run *ledger.RunRecord)
	StepStarted(runID, step string)
	StepCompleted(runID, step string)
	DecisionRequested(decision *ledger.Decision)
	RunFinished(run *ledger.RunRecord)
}

type nullFormatter struct{}

func (f *nullFormatter) RunStarted(run *ledger.RunRecord)            {}
func (f *nullFormatter) StepStarted(runID, step string)              {}
func (f *nullFormatter) StepCompleted(runID, step string)            {}
func (f *nullFormatter) DecisionRequested(decision *ledger.Decision) {}
func (f *nullFormatter) RunFinished(run *ledger.RunRecord)           {}

// ConsoleFormatter prints run progress to a terminal.
type ConsoleFormatter struct {
	out     io.Writer
	bold    *color.Color
	dim     *color.Color
	success *color.Color
	warning *color.Color
	failure *color.Color
}

// NewConsoleFormatter creates a formatter writing to stdout.
func NewConsoleFormatter() *ConsoleFormatter {
	return NewConsoleFormatterWithWriter(os.Stdout)
}

// NewConsoleFormatterWithWriter creates a formatter writing to w.
func NewConsoleFormatterWithWriter(w io.Writer) *ConsoleFormatter {
	return &ConsoleFormatter{
		out:     w,
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
		success: color.New(color.FgGreen),
		warning: color.New(color.FgYellow),
		failure: color.New(color.FgRed),
	}
}

func (f *ConsoleFormatter) RunStarted(run *ledger.RunRecord) {
	fmt.Fprintf(f.out, "%s %s (%s v%d)\n",
		f.bold.Sprint("run"),
		run.ID,
		run.Process,
		run.Version)
}

func (f *ConsoleFormatter) StepStarted(runID, step string) {
	fmt.Fprintf(f.out, "  %s %s\n", f.dim.Sprint("step"), step)
}

func (f *ConsoleFormatter) StepCompleted(runID, step string) {
	fmt.Fprintf(f.out, "  %s %s\n", f.success.Sprint("done"), step)
}

func (f *ConsoleFormatter) DecisionRequested(decision *ledger.Decision) {
	fmt.Fprintf(f.out, "  %s %s", f.warning.Sprint("awaiting decision"), decision.ID)
	if decision.Prompt != "" {
		fmt.Fprintf(f.out, ": %s", decision.Prompt)
	}
	fmt.Fprintln(f.out)
}

func (f *ConsoleFormatter) RunFinished(run *ledger.RunRecord) {
	switch run.Status {
	case conductor.RunStatusCompleted:
		fmt.Fprintf(f.out, "%s %s\n", f.success.Sprint("completed"), run.ID)
	case conductor.RunStatusCanceled:
		fmt.Fprintf(f.out, "%s %s\n", f.warning.Sprint("canceled"), run.ID)
	default:
		fmt.Fprintf(f.out, "%s %s", f.failure.Sprint("failed"), run.ID)
		if run.Failure != nil {
			fmt.Fprintf(f.out, ": %s", run.Failure.Cause)
		}
		fmt.Fprintln(f.out)
	}
}
