package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plendy/sharesync/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being
// managed by viper. This bridges the config between cobra flags and viper flags.
// Binding happens in PreRun so commands sharing flag names do not clobber each
// other's bindings.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		util.MustBindPFlag("datastore-engine", flags.Lookup("datastore-engine"))
		util.MustBindEnv("datastore-engine", "SHARESYNC_DATASTORE_ENGINE")

		util.MustBindPFlag("datastore-uri", flags.Lookup("datastore-uri"))
		util.MustBindEnv("datastore-uri", "SHARESYNC_DATASTORE_URI")

		util.MustBindPFlag("datastore-max-scope-ids-per-query", flags.Lookup("datastore-max-scope-ids-per-query"))
		util.MustBindEnv("datastore-max-scope-ids-per-query", "SHARESYNC_DATASTORE_MAX_SCOPE_IDS_PER_QUERY")

		util.MustBindPFlag("datastore-max-access-updates-per-batch", flags.Lookup("datastore-max-access-updates-per-batch"))
		util.MustBindEnv("datastore-max-access-updates-per-batch", "SHARESYNC_DATASTORE_MAX_ACCESS_UPDATES_PER_BATCH")

		util.MustBindPFlag("datastore-max-open-conns", flags.Lookup("datastore-max-open-conns"))
		util.MustBindEnv("datastore-max-open-conns", "SHARESYNC_DATASTORE_MAX_OPEN_CONNS")

		util.MustBindPFlag("datastore-max-idle-conns", flags.Lookup("datastore-max-idle-conns"))
		util.MustBindEnv("datastore-max-idle-conns", "SHARESYNC_DATASTORE_MAX_IDLE_CONNS")

		util.MustBindPFlag("datastore-conn-max-idle-time", flags.Lookup("datastore-conn-max-idle-time"))
		util.MustBindEnv("datastore-conn-max-idle-time", "SHARESYNC_DATASTORE_CONN_MAX_IDLE_TIME")

		util.MustBindPFlag("datastore-conn-max-lifetime", flags.Lookup("datastore-conn-max-lifetime"))
		util.MustBindEnv("datastore-conn-max-lifetime", "SHARESYNC_DATASTORE_CONN_MAX_LIFETIME")

		util.MustBindPFlag("datastore-metrics", flags.Lookup("datastore-metrics"))
		util.MustBindEnv("datastore-metrics", "SHARESYNC_DATASTORE_METRICS")

		util.MustBindPFlag("events-uri", flags.Lookup("events-uri"))
		util.MustBindEnv("events-uri", "SHARESYNC_EVENTS_URI")

		util.MustBindPFlag("events-exchange", flags.Lookup("events-exchange"))
		util.MustBindEnv("events-exchange", "SHARESYNC_EVENTS_EXCHANGE")

		util.MustBindPFlag("events-queue", flags.Lookup("events-queue"))
		util.MustBindEnv("events-queue", "SHARESYNC_EVENTS_QUEUE")

		util.MustBindPFlag("events-prefetch", flags.Lookup("events-prefetch"))
		util.MustBindEnv("events-prefetch", "SHARESYNC_EVENTS_PREFETCH")

		util.MustBindPFlag("http-enabled", flags.Lookup("http-enabled"))
		util.MustBindEnv("http-enabled", "SHARESYNC_HTTP_ENABLED")

		util.MustBindPFlag("http-addr", flags.Lookup("http-addr"))
		util.MustBindEnv("http-addr", "SHARESYNC_HTTP_ADDR")

		util.MustBindPFlag("http-admin-token", flags.Lookup("http-admin-token"))
		util.MustBindEnv("http-admin-token", "SHARESYNC_HTTP_ADMIN_TOKEN")

		util.MustBindPFlag("log-format", flags.Lookup("log-format"))
		util.MustBindEnv("log-format", "SHARESYNC_LOG_FORMAT")

		util.MustBindPFlag("log-level", flags.Lookup("log-level"))
		util.MustBindEnv("log-level", "SHARESYNC_LOG_LEVEL")

		util.MustBindPFlag("trace-enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace-enabled", "SHARESYNC_TRACE_ENABLED")

		util.MustBindPFlag("trace-otlp-endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace-otlp-endpoint", "SHARESYNC_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace-sample-ratio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace-sample-ratio", "SHARESYNC_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace-service-name", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace-service-name", "SHARESYNC_TRACE_SERVICE_NAME")

		util.MustBindPFlag("propagation-batch-pause", flags.Lookup("propagation-batch-pause"))
		util.MustBindEnv("propagation-batch-pause", "SHARESYNC_PROPAGATION_BATCH_PAUSE")

		util.MustBindPFlag("propagation-evaluation-concurrency", flags.Lookup("propagation-evaluation-concurrency"))
		util.MustBindEnv("propagation-evaluation-concurrency", "SHARESYNC_PROPAGATION_EVALUATION_CONCURRENCY")
	}
}
