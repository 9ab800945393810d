package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "indexforge",
	Short: "Operator index image build orchestration",
	Long:  `Builds, regenerates and merges operator index container images through a queued, gated build pipeline.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/requests.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("auth-file", "", "Registry credential file (read-only)")
	rootCmd.PersistentFlags().String("gating-url", "", "Gating decision endpoint")
	rootCmd.PersistentFlags().String("nats-url", "", "Notification broker URL")
	rootCmd.PersistentFlags().String("archive-bucket", "", "Build report archive bucket")
	rootCmd.PersistentFlags().String("archive-region", "us-east-1", "Build report archive region")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("auth-file", rootCmd.PersistentFlags().Lookup("auth-file"))
	viper.BindPFlag("gating-url", rootCmd.PersistentFlags().Lookup("gating-url"))
	viper.BindPFlag("nats-url", rootCmd.PersistentFlags().Lookup("nats-url"))
	viper.BindPFlag("archive-bucket", rootCmd.PersistentFlags().Lookup("archive-bucket"))
	viper.BindPFlag("archive-region", rootCmd.PersistentFlags().Lookup("archive-region"))
}
