package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var batchCmd = &cobra.Command{
	Use:   "batch <prompts-file>",
	Short: "Run many prompts concurrently, one per line",
	Long: `Read prompts from a file (one per line, blank lines and # comments skipped)
and take each through the pipeline. At most pipeline.concurrency runs execute
at once; runs share nothing but the model clients and the database.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		prompts := parsePrompts(data)
		if len(prompts) == 0 {
			return fmt.Errorf("no prompts in %s", args[0])
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("concurrency")
		if limit <= 0 {
			limit = cfg.Pipeline.Concurrency
		}
		prefix, _ := cmd.Flags().GetString("id-prefix")
		asJSON, _ := cmd.Flags().GetBool("json")
		budgets := unsetBudgets()
		budgets.MaxLintRounds, _ = cmd.Flags().GetInt("max-lint-rounds")
		budgets.MaxRenderFixRounds, _ = cmd.Flags().GetInt("max-render-fix-rounds")
		budgets.MaxTotalFixPasses, _ = cmd.Flags().GetInt("max-total-fix-passes")

		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		database, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		var progress io.Writer
		if !quiet && !asJSON {
			progress = &syncWriter{w: cmd.ErrOrStderr()}
		}
		r, err := newRunner(cmd.Context(), cfg, logger, database, progress)
		if err != nil {
			return err
		}

		reqs := make([]runRequest, len(prompts))
		for i, p := range prompts {
			id := uuid.NewString()
			if prefix != "" {
				id = fmt.Sprintf("%s-%03d", prefix, i+1)
			}
			reqs[i] = runRequest{Prompt: p, RunID: id, Budgets: budgets}
		}

		outcomes, err := runBatch(cmd.Context(), reqs, limit, func(ctx context.Context, req runRequest) runOutcome {
			return r.withProgress(prefixed(progress, req.RunID)).run(ctx, req)
		})
		failed := reportBatch(cmd.OutOrStdout(), outcomes, asJSON)
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runs failed", failed, len(outcomes))
		}
		return nil
	},
}

// runBatch runs every request through fn with at most limit in flight and
// returns the outcomes in request order. A failed run never stops the others;
// only cancellation of ctx is returned as an error, and runs it kept from
// starting get an outcome carrying it.
func runBatch(ctx context.Context, reqs []runRequest, limit int, fn func(context.Context, runRequest) runOutcome) ([]runOutcome, error) {
	if limit <= 0 {
		limit = 1
	}
	outcomes := make([]runOutcome, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outcomes[i] = runOutcome{Err: notStarted(req, err)}
				return err
			}
			outcomes[i] = fn(gctx, req)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for i := range outcomes {
			if outcomes[i].Result == nil && outcomes[i].Err == nil {
				outcomes[i].Err = notStarted(reqs[i], err)
			}
		}
	}
	return outcomes, err
}

func notStarted(req runRequest, err error) error {
	return fmt.Errorf("run %s not started: %w", req.RunID, err)
}

// reportBatch prints every outcome, finished or not, and returns how many
// runs did not produce a video.
func reportBatch(w io.Writer, outcomes []runOutcome, asJSON bool) int {
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil || o.Result == nil || !o.Result.OK {
			failed++
		}
	}
	if asJSON {
		data, _ := json.MarshalIndent(outcomes, "", "  ")
		fmt.Fprintln(w, string(data))
		return failed
	}
	for _, o := range outcomes {
		writeSummary(w, o)
	}
	fmt.Fprintf(w, "\n%d/%d runs produced a video\n", len(outcomes)-failed, len(outcomes))
	return failed
}

// parsePrompts splits a prompts file into one prompt per non-empty line.
func parsePrompts(data []byte) []string {
	var prompts []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	return prompts
}

// syncWriter serializes writes from concurrent runs.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// prefixWriter tags each progress line with the run id.
type prefixWriter struct {
	prefix string
	w      io.Writer
}

func prefixed(w io.Writer, id string) io.Writer {
	if w == nil {
		return nil
	}
	return &prefixWriter{prefix: "[" + id + "] ", w: w}
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	if _, err := p.w.Write(append([]byte(p.prefix), b...)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func init() {
	batchCmd.Flags().Int("concurrency", 0, "runs in flight at once (default from config)")
	batchCmd.Flags().String("id-prefix", "", "derive run ids as <prefix>-001, <prefix>-002, ... (default: random uuids)")
	batchCmd.Flags().Bool("json", false, "print the outcomes as JSON")
	addBudgetFlags(batchCmd)
}
