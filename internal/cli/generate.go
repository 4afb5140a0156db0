package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/scenefactory/internal/config"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and render a Manim video from a prompt",
	Long: `Upgrade the prompt, generate a scene, then lint and render it with bounded
repair loops. Exits non-zero when no video was produced.`,
	Example: `  scenefactory generate -p "Visualize bubble sort on 6 bars"
  scenefactory generate --prompt-file idea.txt --video-id demo-1 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userPrompt, err := promptFromFlags(cmd)
		if err != nil {
			return err
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}

		runID, _ := cmd.Flags().GetString("video-id")
		if runID == "" {
			runID = uuid.NewString()
		}
		req := runRequest{Prompt: userPrompt, RunID: runID, Budgets: unsetBudgets()}
		req.SceneName, _ = cmd.Flags().GetString("scene-name")
		req.SceneFile, _ = cmd.Flags().GetString("scene-file")
		req.Extra, _ = cmd.Flags().GetString("extra")
		req.NoPublish, _ = cmd.Flags().GetBool("no-publish")
		req.Budgets.MaxLintRounds, _ = cmd.Flags().GetInt("max-lint-rounds")
		req.Budgets.MaxRenderFixRounds, _ = cmd.Flags().GetInt("max-render-fix-rounds")
		req.Budgets.MaxTotalFixPasses, _ = cmd.Flags().GetInt("max-total-fix-passes")
		asJSON, _ := cmd.Flags().GetBool("json")

		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		database, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		var progress io.Writer
		if !quiet && !asJSON {
			progress = cmd.ErrOrStderr()
		}
		r, err := newRunner(cmd.Context(), cfg, logger, database, progress)
		if err != nil {
			return err
		}

		out := r.run(cmd.Context(), req)
		if asJSON {
			if out.Result == nil {
				return out.Err
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			writeSummary(cmd.OutOrStdout(), out)
		}

		if out.Err != nil {
			return out.Err
		}
		if !out.Result.OK {
			return fmt.Errorf("run %s failed: %s", runID, out.Result.Status())
		}
		return nil
	},
}

// promptFromFlags reads --prompt or --prompt-file ("-" for stdin).
func promptFromFlags(cmd *cobra.Command) (string, error) {
	text, _ := cmd.Flags().GetString("prompt")
	file, _ := cmd.Flags().GetString("prompt-file")
	if text != "" && file != "" {
		return "", errors.New("use either --prompt or --prompt-file, not both")
	}
	if file != "" {
		data, err := readInput(cmd, file)
		if err != nil {
			return "", err
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("a prompt is required (--prompt or --prompt-file)")
	}
	return text, nil
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// loadValidConfig loads the config and refuses to run with validation errors.
func loadValidConfig() (*config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

// addBudgetFlags registers the budget overrides shared by generate and batch.
func addBudgetFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-lint-rounds", -1, "lint fix passes (0 disables lint repair; default from config)")
	cmd.Flags().Int("max-render-fix-rounds", -1, "render fix passes (0 disables render repair; default from config)")
	cmd.Flags().Int("max-total-fix-passes", -1, "cap on fix passes across both loops (0 = no cap; default from config)")
}

func init() {
	generateCmd.Flags().StringP("prompt", "p", "", "what the video should show")
	generateCmd.Flags().String("prompt-file", "", "read the prompt from a file (- for stdin)")
	generateCmd.Flags().String("video-id", "", "run id and session directory name (default: random uuid)")
	generateCmd.Flags().String("scene-name", "", "scene class to render (default from config)")
	generateCmd.Flags().String("scene-file", "", "scene file name in the session (default from config)")
	generateCmd.Flags().String("extra", "", "extra context passed to code generation")
	generateCmd.Flags().Bool("json", false, "print the result as JSON")
	generateCmd.Flags().Bool("no-publish", false, "do not copy the video to the serving directory")
	addBudgetFlags(generateCmd)
}
