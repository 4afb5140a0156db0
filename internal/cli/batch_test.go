package cli

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

func requests(n int) []runRequest {
	reqs := make([]runRequest, n)
	for i := range reqs {
		reqs[i] = runRequest{RunID: fmt.Sprintf("run-%d", i), Prompt: fmt.Sprintf("prompt %d", i)}
	}
	return reqs
}

func TestRunBatch_RespectsLimitAndOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var inFlight, peak atomic.Int32
	outcomes, err := runBatch(context.Background(), requests(8), 3, func(ctx context.Context, req runRequest) runOutcome {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return runOutcome{Result: &pipeline.Result{RunID: req.RunID, OK: req.RunID != "run-4"}}
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 8)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	for i, o := range outcomes {
		assert.Equal(t, fmt.Sprintf("run-%d", i), o.Result.RunID)
	}
	assert.False(t, outcomes[4].Result.OK, "a failed run is reported, not fatal")
	assert.True(t, outcomes[5].Result.OK, "runs after a failure still execute")
}

func TestRunBatch_Canceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	outcomes, err := runBatch(ctx, requests(5), 1, func(ctx context.Context, req runRequest) runOutcome {
		if calls.Add(1) == 2 {
			cancel()
		}
		return runOutcome{Result: &pipeline.Result{RunID: req.RunID, OK: true}}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, outcomes, 5)
	assert.Less(t, calls.Load(), int32(5))
	for _, o := range outcomes {
		if o.Result == nil {
			require.ErrorIs(t, o.Err, context.Canceled)
		}
	}
}

func TestReportBatch_PrintsFinishedRunsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	outcomes, err := runBatch(ctx, requests(4), 1, func(ctx context.Context, req runRequest) runOutcome {
		if calls.Add(1) == 2 {
			cancel()
		}
		return runOutcome{Result: &pipeline.Result{RunID: req.RunID, OK: true}}
	})
	require.ErrorIs(t, err, context.Canceled)

	var buf bytes.Buffer
	failed := reportBatch(&buf, outcomes, false)
	out := buf.String()
	assert.Contains(t, out, "run-0")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "run-2 not started")
	assert.Contains(t, out, "run-3 not started")
	assert.NotContains(t, out, "<nil>")
	assert.Equal(t, 4-int(calls.Load()), failed)
	assert.Contains(t, out, fmt.Sprintf("%d/4 runs produced a video", calls.Load()))

	buf.Reset()
	reportBatch(&buf, outcomes, true)
	assert.Contains(t, buf.String(), `"run_id": "run-0"`)
}

func TestParsePrompts(t *testing.T) {
	got := parsePrompts([]byte("# ideas\n\n  a bouncing ball  \nsorting bars\n# done\n"))
	assert.Equal(t, []string{"a bouncing ball", "sorting bars"}, got)
	assert.Empty(t, parsePrompts([]byte("\n# only comments\n")))
}

func TestPrefixWriter(t *testing.T) {
	var buf bytes.Buffer
	w := prefixed(&syncWriter{w: &buf}, "run-1")
	n, err := fmt.Fprintf(w, "  → lint clean\n")
	require.NoError(t, err)
	assert.Equal(t, len("  → lint clean\n"), n)
	assert.Equal(t, "[run-1]   → lint clean\n", buf.String())

	assert.Nil(t, prefixed(nil, "run-1"))
}
