// Package export implements the conversion pipeline between checkpoint,
// ONNX, server bundle and mobile formats.
//
// Each exporter is a linear sequence of stages (load, optional precision
// reduction, validate, export, cleanup). A failing stage stops the export;
// the only retry is the mobile converter's strategy list.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/faceparse/internal/ctxlog"
)

// Version is recorded as the producer version of exported artefacts.
const Version = "0.1.0"

// Opsets used by the two export paths.
const (
	StaticOpset = 11
	DeployOpset = 13
)

// BatchParam names the dynamic batch dimension.
const BatchParam = "batch_size"

// ErrMismatch is returned by Verify when outputs differ beyond tolerance.
var ErrMismatch = errors.New("artifact output differs from reference")

// StageError records which stage of an export failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result describes a finished export.
type Result struct {
	Output     string
	Size       int64
	SourceSize int64
	Duration   time.Duration
	Notes      []string
}

// Note appends a free-form remark.
func (r *Result) Note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Reporter observes stage transitions. The CLI draws a progress bar from it.
type Reporter interface {
	Stage(name string)
	Done()
}

type nopReporter struct{}

func (nopReporter) Stage(string) {}
func (nopReporter) Done()        {}

type reporterKey struct{}

// WithReporter attaches r to ctx.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

func reporterFrom(ctx context.Context) Reporter {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok {
		return r
	}
	return nopReporter{}
}

// pipeline runs named stages in order.
type pipeline struct {
	ctx   context.Context
	log   *slog.Logger
	rep   Reporter
	start time.Time
	res   *Result
}

func newPipeline(ctx context.Context, name string) *pipeline {
	log := ctxlog.FromContext(ctx).With("export", name)
	log.Info("export started")
	return &pipeline{ctx: ctx, log: log, rep: reporterFrom(ctx), start: time.Now(), res: &Result{}}
}

func (p *pipeline) stage(name string, f func() error) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	p.rep.Stage(name)
	p.log.Debug("stage started", "stage", name)
	t := time.Now()
	if err := f(); err != nil {
		p.log.Error("stage failed", "stage", name, "err", err)
		return &StageError{Stage: name, Err: err}
	}
	p.log.Debug("stage finished", "stage", name, "elapsed", time.Since(t).Round(time.Millisecond))
	return nil
}

func (p *pipeline) finish(output string) (*Result, error) {
	p.rep.Done()
	size, err := pathSize(output)
	if err != nil {
		return nil, err
	}
	p.res.Output = output
	p.res.Size = size
	p.res.Duration = time.Since(p.start)
	p.log.Info("export finished", "output", output, "size", FormatSize(size), "elapsed", p.res.Duration.Round(time.Millisecond))
	return p.res, nil
}

// pathSize is the size of a file or the total size of a directory tree.
func pathSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !fi.IsDir() {
		return fi.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// FormatSize renders a byte count in megabytes.
func FormatSize(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
}

// scratchDir creates a scratch directory next to output.
func scratchDir(output, prefix string) (string, error) {
	parent := filepath.Dir(output)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(parent, "."+prefix+"-*")
}
