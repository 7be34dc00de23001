package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voluteio/volute/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/voluteio/volute/cmd.Version=v1.0.0"
var Version = "dev"

var (
	homeFlag string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "volute",
	Short: "Volute, a local mind orchestration daemon",
	Long: "Volute supervises LLM agent processes (minds): lifecycle, message routing,\n" +
		"scheduling, token budgets, and a local HTTP/SSE API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "daemon home directory (default: $VOLUTE_HOME or ~/.volute)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("volute %s\n", Version)
		},
	}
}

func resolveHome() string {
	if homeFlag != "" {
		return homeFlag
	}
	return config.DefaultHome()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
