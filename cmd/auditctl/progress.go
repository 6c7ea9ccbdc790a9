package main

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
)

// reporter shows progress of a long scan.
type reporter interface {
	Start(total int)
	Update(current int)
	Finish()
}

// newReporter returns a progress bar on an interactive terminal and plain log lines in CI
// or when stderr is redirected.
func newReporter(description string) reporter {
	if os.Getenv("CI") != "" || !isTerminal(os.Stderr) {
		return &lineReporter{description: description}
	}
	return &barReporter{description: description}
}

type barReporter struct {
	description string
	bar         *progressbar.ProgressBar
}

func (r *barReporter) Start(total int) {
	r.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(r.description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (r *barReporter) Update(current int) {
	if r.bar != nil {
		_ = r.bar.Set(current)
	}
}

func (r *barReporter) Finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
	}
}

// lineReporter prints one line per update.
type lineReporter struct {
	description string
	total       int
}

func (r *lineReporter) Start(total int) {
	r.total = total
	fmt.Fprintf(os.Stderr, "%s: %d records\n", r.description, total)
}

func (r *lineReporter) Update(current int) {
	fmt.Fprintf(os.Stderr, "%s: [%d/%d]\n", r.description, current, r.total)
}

func (r *lineReporter) Finish() {}
