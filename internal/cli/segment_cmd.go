package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/scenefactory/internal/segment"
)

var segmentCmd = &cobra.Command{
	Use:   "segment [stderr-file|-]",
	Short: "Split renderer error output into independently fixable segments",
	Long: `Read renderer stderr from a file (or stdin when omitted or "-") and print the
segments a render fix pass would dispatch, one repair call per segment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "-"
		if len(args) == 1 {
			path = args[0]
		}
		data, err := readInput(cmd, path)
		if err != nil {
			return err
		}
		segs := segment.Segments(string(data))

		w := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out, _ := json.MarshalIndent(segs, "", "  ")
			fmt.Fprintln(w, string(out))
			return nil
		}
		if len(segs) == 0 {
			fmt.Fprintln(w, "No segments.")
			return nil
		}
		raw, _ := cmd.Flags().GetBool("raw")
		for i, s := range segs {
			fmt.Fprintf(w, "%s %s\n", styleHeader.Render(fmt.Sprintf("segment %d:", i+1)), s.Summary)
			if raw {
				for _, line := range strings.Split(strings.TrimRight(s.Raw, "\n"), "\n") {
					fmt.Fprintf(w, "    %s\n", line)
				}
			}
		}
		return nil
	},
}

func init() {
	segmentCmd.Flags().Bool("json", false, "print the segments as JSON")
	segmentCmd.Flags().Bool("raw", false, "print each segment's raw text")
}
