package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/scenefactory/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in prompt templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range prompt.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Copy the built-in templates to a directory for editing",
	Long: `Write the built-in prompt templates to --dir (default
~/.scenefactory/templates). Point templates_dir in scenefactory.yaml at the
directory to use the edited copies; missing files fall back to the built-ins.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = prompt.DefaultDir()
		}
		force, _ := cmd.Flags().GetBool("force")

		written, err := prompt.InstallBuiltinTemplates(dir, force)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, name := range written {
			fmt.Fprintf(w, "  wrote %s\n", name)
		}
		fmt.Fprintf(w, "Installed %d template(s) in %s.\n", len(written), dir)
		return nil
	},
}

func init() {
	templatesInstallCmd.Flags().String("dir", "", "target directory (default ~/.scenefactory/templates)")
	templatesInstallCmd.Flags().Bool("force", false, "overwrite existing files")

	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesInstallCmd)
}
