// Package reconcile contains the command to rebuild drifted access sets from
// the grant table.
package reconcile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/plendy/sharesync/cmd/util"
	"github.com/plendy/sharesync/internal/reconcile"
	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
	"github.com/plendy/sharesync/pkg/storage/postgres"
	"github.com/plendy/sharesync/pkg/storage/sqlcommon"
	"github.com/plendy/sharesync/pkg/storage/sqlite"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreURIFlag    = "datastore-uri"
	batchSizeFlag       = "batch-size"
	maxItemsFlag        = "max-items"
	dryRunFlag          = "dry-run"
	cursorFlag          = "cursor"
	confirmFlag         = "confirm"
	logFormatFlag       = "log-format"
	logLevelFlag        = "log-level"
)

// NewReconcileCommand returns the command to rebuild access sets from the
// grant table.
func NewReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild denormalized access sets from the grant table",
		Long: `The reconcile command walks experiences page by page, recomputes each access
set from the grant table, and rewrites any set that drifted. Runs are resumable:
an interrupted run prints a cursor that a later run can continue from.

Without --confirm the command refuses to write; use --dry-run to preview.`,
		RunE: runReconciliation,
		Args: cobra.NoArgs,
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "", "(required) the datastore engine holding the experiences and grants")
	flags.String(datastoreURIFlag, "", "(required) the connection uri of the datastore")
	flags.Int(batchSizeFlag, reconcile.DefaultBatchSize, "the number of experiences fetched per page")
	flags.Int(maxItemsFlag, reconcile.DefaultMaxItems, "the maximum number of experiences to process in this run (0 means no limit)")
	flags.Bool(dryRunFlag, false, "report what would change without writing")
	flags.String(cursorFlag, "", "resume from the cursor printed by a previous run")
	flags.Bool(confirmFlag, false, "confirm that access sets should actually be rewritten")
	flags.String(logFormatFlag, "text", "the log format to output logs in ('text' or 'json')")
	flags.String(logLevelFlag, "info", "the log level to use")

	cmd.PreRun = bindFlags

	return cmd
}

func bindFlags(cmd *cobra.Command, _ []string) {
	flags := cmd.Flags()
	util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
	util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
	util.MustBindPFlag(batchSizeFlag, flags.Lookup(batchSizeFlag))
	util.MustBindPFlag(maxItemsFlag, flags.Lookup(maxItemsFlag))
	util.MustBindPFlag(dryRunFlag, flags.Lookup(dryRunFlag))
	util.MustBindPFlag(cursorFlag, flags.Lookup(cursorFlag))
	util.MustBindPFlag(confirmFlag, flags.Lookup(confirmFlag))
	util.MustBindPFlag(logFormatFlag, flags.Lookup(logFormatFlag))
	util.MustBindPFlag(logLevelFlag, flags.Lookup(logLevelFlag))
}

func runReconciliation(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)
	dryRun := viper.GetBool(dryRunFlag)
	confirm := viper.GetBool(confirmFlag)

	if !dryRun && !confirm {
		return fmt.Errorf("refusing to rewrite access sets without --confirm; use --dry-run to preview")
	}

	log := logger.MustNewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))

	var (
		ds  storage.Datastore
		err error
	)
	switch engine {
	case "sqlite":
		ds, err = sqlite.New(uri, sqlcommon.NewConfig(sqlcommon.WithLogger(log)))
	case "postgres":
		ds, err = postgres.New(uri, sqlcommon.NewConfig(sqlcommon.WithLogger(log)))
	case "":
		return fmt.Errorf("missing datastore engine type")
	default:
		return fmt.Errorf("unknown datastore engine type: %s", engine)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize datastore: %w", err)
	}
	defer ds.Close()

	summary, runErr := reconcile.NewJob(ds, log).Run(ctx, reconcile.Options{
		BatchSize: viper.GetInt(batchSizeFlag),
		MaxItems:  viper.GetInt(maxItemsFlag),
		DryRun:    dryRun,
		Cursor:    viper.GetString(cursorFlag),
	})
	if summary != nil {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode the run summary: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(out))
	}
	if runErr != nil {
		log.Error("reconciliation stopped early", zap.Error(runErr))
		return runErr
	}

	return nil
}
