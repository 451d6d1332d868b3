// Package pipeline runs a fixed, ordered list of stages over a shared Context.
//
// Stages run sequentially on the caller's goroutine. The first failure stops
// the run; mutations made by earlier stages stay in the Context.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("zest-pipeline")

// Stage is one step of a pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, pc *Context) error
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, pc *Context) error
}

func (s funcStage) Name() string { return s.name }

func (s funcStage) Process(ctx context.Context, pc *Context) error { return s.fn(ctx, pc) }

// StageFunc adapts a function into a Stage.
func StageFunc(name string, fn func(ctx context.Context, pc *Context) error) Stage {
	return funcStage{name: name, fn: fn}
}

// ExecutionError is the single error type a pipeline run fails with.
type ExecutionError struct {
	Stage string
	Msg   string
	Err   error
}

// Fail builds an ExecutionError from inside a stage.
func Fail(stage, msg string, cause error) *ExecutionError {
	return &ExecutionError{Stage: stage, Msg: msg, Err: cause}
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("stage %q failed: %s: %v", e.Stage, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("stage %q failed: %s", e.Stage, e.Msg)
	default:
		return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Observer is notified around every stage. Used for progress reporting.
type Observer interface {
	StageStarted(index, total int, name string)
	StageFinished(index, total int, name string, err error)
}

// ProgressText renders the progress line shown while a stage runs.
// index is zero-based.
func ProgressText(index, total int, name string) string {
	return fmt.Sprintf("Stage %d/%d: %s", index+1, total, name)
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	name   string
	stages []Stage
}

// New creates a pipeline with the given stages.
func New(name string, stages ...Stage) *Pipeline {
	p := &Pipeline{name: name}
	for _, s := range stages {
		p.AddStage(s)
	}
	return p
}

// AddStage appends a stage and returns the pipeline for chaining.
func (p *Pipeline) AddStage(s Stage) *Pipeline {
	p.stages = append(p.stages, s)
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// ExecOption configures a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	observers []Observer
}

// WithObserver attaches an observer to one run.
func WithObserver(o Observer) ExecOption {
	return func(eo *execOptions) {
		if o != nil {
			eo.observers = append(eo.observers, o)
		}
	}
}

// Execute runs every stage exactly once, in insertion order.
// Any error it returns unwraps to an *ExecutionError naming the failed stage.
func (p *Pipeline) Execute(ctx context.Context, pc *Context, opts ...ExecOption) error {
	var eo execOptions
	for _, o := range opts {
		o(&eo)
	}

	total := len(p.stages)
	start := time.Now()

	for i, s := range p.stages {
		name := s.Name()

		if err := ctx.Err(); err != nil {
			execErr := &ExecutionError{Stage: name, Msg: "run canceled", Err: err}
			log.Warn().Str("pipeline", p.name).Str("stage", name).Msg("Pipeline canceled before stage")
			return execErr
		}

		for _, o := range eo.observers {
			o.StageStarted(i, total, name)
		}

		err := p.runStage(ctx, i, s, pc)

		for _, o := range eo.observers {
			o.StageFinished(i, total, name, err)
		}

		if err != nil {
			log.Error().Err(err).
				Str("pipeline", p.name).
				Str("stage", name).
				Int("index", i).
				Msg("Pipeline stage failed")
			return err
		}
	}

	log.Debug().
		Str("pipeline", p.name).
		Int("stages", total).
		Dur("elapsed", time.Since(start)).
		Msg("Pipeline completed")
	return nil
}

// runStage executes one stage under a span and normalizes its failure.
func (p *Pipeline) runStage(ctx context.Context, index int, s Stage, pc *Context) (err error) {
	name := s.Name()
	ctx, span := tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.name", p.name),
			attribute.String("stage.name", name),
			attribute.Int("stage.index", index),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			var cause error
			if re, ok := r.(error); ok {
				cause = fmt.Errorf("panic: %w", re)
			} else {
				cause = fmt.Errorf("panic: %v", r)
			}
			err = &ExecutionError{Stage: name, Err: cause}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	log.Debug().Str("pipeline", p.name).Str("stage", name).Msg("Stage started")

	if perr := s.Process(ctx, pc); perr != nil {
		var execErr *ExecutionError
		if errors.As(perr, &execErr) {
			return perr
		}
		return &ExecutionError{Stage: name, Err: perr}
	}
	return nil
}
