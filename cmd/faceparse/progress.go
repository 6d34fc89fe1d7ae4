package main

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// barReporter draws export stages as a spinner with a stage counter.
type barReporter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newBarReporter(w io.Writer) *barReporter {
	return &barReporter{w: w}
}

func (r *barReporter) Stage(name string) {
	if r.bar == nil {
		r.bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription(name),
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	r.bar.Describe(name)
	_ = r.bar.Add(1)
}

func (r *barReporter) Done() {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	r.bar = nil
}
