package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/scenefactory/internal/analytics"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		fromFiles, _ := cmd.Flags().GetBool("files")
		w := cmd.OutOrStdout()

		if fromFiles {
			results, err := pipeline.NewStore(cfg.Session.BaseDir).List(status)
			if err != nil {
				return err
			}
			if limit > 0 && len(results) > limit {
				results = results[:limit]
			}
			if asJSON {
				return printJSON(cmd, results)
			}
			writeResultsTable(w, results)
			return nil
		}

		database, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		runs, err := database.ListRuns(status, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, runs)
		}
		writeRunsTable(w, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run's prompt, outcome, trace and final scene",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		id := args[0]

		database, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := database.GetRun(id)
		if err != nil {
			return err
		}
		res, resErr := pipeline.NewStore(cfg.Session.BaseDir).GetResult(id)
		if run == nil && resErr != nil {
			return fmt.Errorf("run %s not found", id)
		}
		if resErr != nil {
			res = nil
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if res == nil {
				return printJSON(cmd, run)
			}
			return printJSON(cmd, res)
		}
		plain, _ := cmd.Flags().GetBool("plain")
		fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(resultMarkdown(run, res), plain))
		return nil
	},
}

var runsEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the recorded events of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		database, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		events, err := database.Events(args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd, events)
		}
		writeEvents(cmd.OutOrStdout(), events)
		return nil
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Outcome, fix-pass and duration statistics of finished runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		since, err := sinceFlag(cmd)
		if err != nil {
			return err
		}
		database, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		summary, err := analytics.QuerySummary(database, since)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd, summary)
		}
		writeStats(cmd.OutOrStdout(), summary)
		return nil
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run's database rows and, with --files, its session directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		id := args[0]
		if err := pipeline.ValidateRunID(id); err != nil {
			return err
		}
		database, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := database.DeleteRun(id); err != nil {
			return err
		}
		if files, _ := cmd.Flags().GetBool("files"); files {
			if err := pipeline.NewStore(cfg.Session.BaseDir).Delete(id); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s.\n", id)
		return nil
	},
}

// sinceFlag turns --since (a duration such as 72h, or a date) into the
// timestamp the analytics queries compare against.
func sinceFlag(cmd *cobra.Command) (string, error) {
	v, _ := cmd.Flags().GetString("since")
	if v == "" {
		return "", nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d).UTC().Format(time.RFC3339Nano), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return "", fmt.Errorf("--since %q: want a duration (72h) or a date (2006-01-02)", v)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	runsListCmd.Flags().String("status", "", "only runs with this status (ok, running, lint_budget_exhausted, ...)")
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs (0 = all)")
	runsListCmd.Flags().Bool("files", false, "list from result.json files instead of the database")
	runsListCmd.Flags().Bool("json", false, "print as JSON")
	runsShowCmd.Flags().Bool("json", false, "print as JSON")
	runsShowCmd.Flags().Bool("plain", false, "print markdown without terminal styling")
	runsEventsCmd.Flags().Bool("json", false, "print as JSON")
	runsStatsCmd.Flags().String("since", "", "only runs started within a duration (72h) or since a date")
	runsStatsCmd.Flags().Bool("json", false, "print as JSON")
	runsDeleteCmd.Flags().Bool("files", false, "also remove the session directory")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsEventsCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}
