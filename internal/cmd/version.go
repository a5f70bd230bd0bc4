package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/golade/internal/server/handlers"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(os.Stdout, versionJSON)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func printVersion(w io.Writer, asJSON bool) error {
	info := handlers.CurrentVersion()
	info.Version = versionInfo.Version
	info.Commit = versionInfo.Commit
	info.BuildDate = versionInfo.BuildDate

	if asJSON {
		return json.NewEncoder(w).Encode(info)
	}
	_, _ = fmt.Fprintf(w, "golade %s\n", info.Version)
	_, _ = fmt.Fprintf(w, "  commit:     %s\n", info.Commit)
	_, _ = fmt.Fprintf(w, "  built:      %s\n", info.BuildDate)
	_, _ = fmt.Fprintf(w, "  go:         %s\n", info.GoVersion)
	if info.Gofulmen != "" {
		_, _ = fmt.Fprintf(w, "  gofulmen:   %s\n", info.Gofulmen)
	}
	if info.Crucible != "" {
		_, _ = fmt.Fprintf(w, "  crucible:   %s\n", info.Crucible)
	}
	return nil
}
