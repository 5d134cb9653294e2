package main

import (
	"os"

	"github.com/plendy/sharesync/cmd"
	"github.com/plendy/sharesync/cmd/migrate"
	"github.com/plendy/sharesync/cmd/reconcile"
	"github.com/plendy/sharesync/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(run.NewRunCommand())
	rootCmd.AddCommand(migrate.NewMigrateCommand())
	rootCmd.AddCommand(reconcile.NewReconcileCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
