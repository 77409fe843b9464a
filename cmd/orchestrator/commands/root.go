// Package commands provides the CLI commands for the orchestration core:
// one cobra command per operation, a persistent set of global flags, and
// an Execute() entry point called from main.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elemental-dev/orchestrator/internal/logging"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	printLogs bool
	logLevel  string
	logFile   bool
	addr      string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Agent orchestration core: spawn, resume, and dispatch coding-agent sessions",
	Long: `orchestrator drives coding-agent subprocesses as sessions, matches
queued work to idle workers, and exposes their event streams.

Run 'orchestrator serve' to start the core as a long-lived daemon; the
other subcommands (start/stop/message/status/dispatch) are thin HTTP
clients against a running daemon's External API.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to /tmp/orchestrator-YYYYMMDD-HHMMSS.log")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:7420", "Orchestrator daemon address")

	rootCmd.SetVersionTemplate(fmt.Sprintf("orchestrator %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(attachCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
