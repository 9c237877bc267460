package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	clientCmd "github.com/sidkik/sup/cmd/client"
	configCmd "github.com/sidkik/sup/cmd/config"
	scanCmd "github.com/sidkik/sup/cmd/scan"
	serverCmd "github.com/sidkik/sup/cmd/server"
	"github.com/sidkik/sup/cmd/util"
	"github.com/sidkik/sup/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "SUP_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:   "sup",
		Short: "Keep collections of files in sync with the hosts that serve them",

		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		clientCmd.New(),
		configCmd.New(),
		scanCmd.New(),
		serverCmd.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
