package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/scenefactory/internal/checks"
	"github.com/lucasnoah/scenefactory/internal/config"
	"github.com/lucasnoah/scenefactory/internal/pipeline"
	"github.com/lucasnoah/scenefactory/internal/pysrc"
	"github.com/lucasnoah/scenefactory/internal/segment"
)

var lintCmd = &cobra.Command{
	Use:   "lint <scene.py>",
	Short: "Run the configured linter on a scene file and list the fix issues",
	Long: `Lint a scene file with the configured lint command and parser, exactly as
the pipeline does, and print the issues a repair pass would receive. The file
is linted from a scratch copy next to it and is never modified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if p, _ := cmd.Flags().GetString("parser"); p != "" {
			cfg.Lint.Parser = p
		}

		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		scratch, err := os.MkdirTemp(filepath.Dir(abs), ".scenefactory-lint-")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(scratch)

		code := pipeline.GeneratedCode{Source: string(source), SceneName: cfg.Pipeline.SceneName}
		outline, err := pysrc.Inspect(cmd.Context(), code.Source)
		if err != nil {
			return err
		}
		if scenes := outline.SceneClasses(); len(scenes) > 0 {
			code.SceneName = scenes[0].Name
		}

		linter := checks.NewLinter(&checks.ExecRunner{}, scratch, filepath.Base(abs), checks.LintConfig{
			Command: cfg.Lint.Command,
			Parser:  cfg.Lint.Parser,
			Timeout: config.Duration(cfg.Lint.Timeout, 2*time.Minute),
		})
		res := linter.Lint(cmd.Context(), code)
		issues := segment.Lint(res)

		w := cmd.OutOrStdout()
		if asJSON {
			data, _ := json.MarshalIndent(struct {
				Result pipeline.LintResult `json:"result"`
				Issues []segment.Issue     `json:"issues"`
			}{res, issues}, "", "  ")
			fmt.Fprintln(w, string(data))
		} else {
			names := make([]string, 0, len(outline.Classes))
			for _, c := range outline.SceneClasses() {
				names = append(names, c.Name)
			}
			fmt.Fprintf(w, "scenes: %s\n", strings.Join(names, ", "))
			if outline.SyntaxErrorLine > 0 {
				fmt.Fprintf(w, "syntax error near line %d\n", outline.SyntaxErrorLine)
			}
			if res.OK {
				fmt.Fprintf(w, "%s no lint issues\n", badge("ok"))
				return nil
			}
			for i, issue := range issues {
				fmt.Fprintf(w, "%2d. %s\n", i+1, issue.Description())
			}
		}
		if !res.OK {
			return fmt.Errorf("%d lint issue(s)", len(issues))
		}
		return nil
	},
}

func init() {
	lintCmd.Flags().Bool("json", false, "print the lint result and issues as JSON")
	lintCmd.Flags().String("parser", "", "override the output parser (ruff or generic)")
}
