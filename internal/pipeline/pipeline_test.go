package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zps-zest/zest/internal/pipeline"
)

var (
	keyTrail = pipeline.NewKey[[]string]("trail")
	keyA     = pipeline.NewKey[string]("a")
)

func record(name string) pipeline.Stage {
	return pipeline.StageFunc(name, func(ctx context.Context, pc *pipeline.Context) error {
		trail := pipeline.GetOr(pc, keyTrail, nil)
		pipeline.Set(pc, keyTrail, append(trail, name))
		return nil
	})
}

type progressRecorder struct {
	started  []string
	finished []error
}

func (r *progressRecorder) StageStarted(i, n int, name string) {
	r.started = append(r.started, pipeline.ProgressText(i, n, name))
}

func (r *progressRecorder) StageFinished(i, n int, name string, err error) {
	r.finished = append(r.finished, err)
}

func TestExecute_RunsStagesInOrder(t *testing.T) {
	p := pipeline.New("order").
		AddStage(record("A")).
		AddStage(record("B")).
		AddStage(record("C"))

	pc := pipeline.NewContext()
	require.NoError(t, p.Execute(context.Background(), pc))

	trail, ok := pipeline.Get(pc, keyTrail)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, trail)
	assert.Equal(t, []string{"A", "B", "C"}, p.Stages())
	assert.Equal(t, 3, p.Len())
}

func TestExecute_EmptyPipelineIsNoop(t *testing.T) {
	pc := pipeline.NewContext()
	require.NoError(t, pipeline.New("empty").Execute(context.Background(), pc))
	assert.Empty(t, pc.Keys())
}

func TestExecute_StageFailureStopsRun(t *testing.T) {
	cRan := false
	p := pipeline.New("fail-fast",
		pipeline.StageFunc("A", func(ctx context.Context, pc *pipeline.Context) error {
			pipeline.Set(pc, keyA, "written by A")
			return nil
		}),
		pipeline.StageFunc("B", func(ctx context.Context, pc *pipeline.Context) error {
			return errors.New("boom")
		}),
		pipeline.StageFunc("C", func(ctx context.Context, pc *pipeline.Context) error {
			cRan = true
			return nil
		}),
	)

	pc := pipeline.NewContext()
	err := p.Execute(context.Background(), pc)
	require.Error(t, err)

	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "B", execErr.Stage)
	assert.EqualError(t, execErr.Err, "boom")
	assert.False(t, cRan, "stage C must not run after B fails")

	v, ok := pipeline.Get(pc, keyA)
	assert.True(t, ok, "writes from A must remain")
	assert.Equal(t, "written by A", v)
}

func TestExecute_ExecutionErrorPropagatesUnchanged(t *testing.T) {
	own := pipeline.Fail("LlmApiCall", "Failed to send prompt to chat box", errors.New("no client"))
	p := pipeline.New("own-error",
		pipeline.StageFunc("ChatStage", func(ctx context.Context, pc *pipeline.Context) error {
			return own
		}),
	)

	err := p.Execute(context.Background(), pipeline.NewContext())
	assert.Same(t, own, err)
}

func TestExecute_PanicIsWrapped(t *testing.T) {
	p := pipeline.New("panic",
		pipeline.StageFunc("Explode", func(ctx context.Context, pc *pipeline.Context) error {
			panic("kaboom")
		}),
	)

	err := p.Execute(context.Background(), pipeline.NewContext())
	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "Explode", execErr.Stage)
	assert.Contains(t, execErr.Error(), "kaboom")
}

func TestExecute_MissingPrecondition(t *testing.T) {
	p := pipeline.New("precondition",
		pipeline.StageFunc("NeedsA", func(ctx context.Context, pc *pipeline.Context) error {
			if err := pc.Require(keyA); err != nil {
				return err
			}
			return nil
		}),
		pipeline.StageFunc("MustGetA", func(ctx context.Context, pc *pipeline.Context) error {
			_ = pipeline.MustGet(pc, keyA)
			return nil
		}),
	)

	err := p.Execute(context.Background(), pipeline.NewContext())
	var missing *pipeline.MissingPreconditionError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "a", missing.Key)

	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "NeedsA", execErr.Stage)
}

func TestExecute_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := pipeline.New("canceled", record("A"))
	pc := pipeline.NewContext()
	err := p.Execute(ctx, pc)

	var execErr *pipeline.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "A", execErr.Stage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, pc.Has(keyTrail))
}

func TestExecute_ReusableWithFreshContext(t *testing.T) {
	p := pipeline.New("reuse", record("A"), record("B"))

	for i := 0; i < 2; i++ {
		pc := pipeline.NewContext()
		require.NoError(t, p.Execute(context.Background(), pc))
		assert.Equal(t, []string{"A", "B"}, pipeline.MustGet(pc, keyTrail))
	}
}

func TestExecute_ObserverSeesProgress(t *testing.T) {
	p := pipeline.New("progress", record("Configuration"), record("TargetDetection"))
	rec := &progressRecorder{}

	require.NoError(t, p.Execute(context.Background(), pipeline.NewContext(), pipeline.WithObserver(rec)))
	assert.Equal(t, []string{"Stage 1/2: Configuration", "Stage 2/2: TargetDetection"}, rec.started)
	assert.Equal(t, []error{nil, nil}, rec.finished)
}
