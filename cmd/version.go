package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/plendy/sharesync/internal/build"
)

// NewVersionCommand returns the command to get the sharesync version.
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the sharesync version",
		Long:  "Return the sharesync version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("sharesync version %s date %s commit id %s", build.Version, build.Date, build.Commit)
	return nil
}
