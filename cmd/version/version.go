package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/sup/pkg/version"
)

// Mocked out for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of sup",
		Long: "Print the program version, and the range of wire protocol " +
			"versions this binary can speak.",
		Run: func(_ *cobra.Command, _ []string) {
			printVersion()
		},
	}
}

func printVersion() {
	fmt.Fprintf(stdout, "version:  %s\n", version.Program())
	fmt.Fprintf(stdout, "protocol: %d (accepts %d and newer)\n",
		version.Protocol, version.MinProtocol)
}
