// Package reconcile rebuilds the denormalized access-set on every experience
// from the normalized grant table. It is the backstop for drift introduced by
// missed events, re-categorization, or bugs, and doubles as the initial
// backfill.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/plendy/sharesync/internal/propagation"
	"github.com/plendy/sharesync/pkg/logger"
	"github.com/plendy/sharesync/pkg/storage"
	"github.com/plendy/sharesync/pkg/telemetry"
)

var tracer = otel.Tracer("sharesync/internal/reconcile")

var (
	experiencesReconciledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "experiences_reconciled_total",
		Help: "The total number of experiences examined by the reconciliation job, by outcome.",
	}, []string{"outcome"})
)

const (
	// DefaultBatchSize is the experience page size per scan.
	DefaultBatchSize = 100

	// DefaultMaxItems caps the experiences processed per invocation; the
	// job is resumed with the returned cursor rather than run unbounded.
	DefaultMaxItems = 1000

	defaultPagePause = 100 * time.Millisecond
)

// Options configures one reconciliation run.
type Options struct {
	// BatchSize is the experience page size per scan.
	BatchSize int

	// MaxItems caps the number of experiences processed this invocation.
	MaxItems int

	// DryRun reports would-be updates without writing.
	DryRun bool

	// Cursor resumes a previous invocation from its returned cursor.
	Cursor string

	// PagePause is the pause between pages, bounding read/write rate
	// against the store. Negative disables the pause.
	PagePause time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxItems <= 0 {
		o.MaxItems = DefaultMaxItems
	}
	if o.PagePause == 0 {
		o.PagePause = defaultPagePause
	} else if o.PagePause < 0 {
		o.PagePause = 0
	}
	return o
}

// Summary reports the outcome of one reconciliation run.
type Summary struct {
	Processed  int           `json:"processed"`
	Updated    int           `json:"updated"`
	Failed     int           `json:"failed"`
	DurationMs int64         `json:"durationMs"`
	DryRun     bool          `json:"dryRun"`
	Cursor     string        `json:"cursor,omitempty"`
	Duration   time.Duration `json:"-"`
}

// Job recomputes access-sets from the grant table, page by page.
// Runs are idempotent full replacements, so partial re-runs and overlapping
// invocations never corrupt state.
type Job struct {
	ds     storage.Datastore
	logger logger.Logger
}

// NewJob creates a reconciliation Job backed by ds.
func NewJob(ds storage.Datastore, l logger.Logger) *Job {
	return &Job{
		ds:     ds,
		logger: l,
	}
}

// Run pages through experiences ordered by the stable creation-time cursor
// and overwrites each access-set with the set computed from live grants.
// A failure on one experience is logged with its cursor position and the run
// continues; only a page-scan failure aborts, returning the cursor to resume
// from alongside the error.
func (j *Job) Run(ctx context.Context, opts Options) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Run")
	defer span.End()

	opts = opts.withDefaults()

	// A run id ties together the log lines of one invocation, including
	// resumed continuations of an earlier run.
	runID := ulid.Make().String()
	log := j.logger.With(zap.String("run_id", runID))

	log.Info("starting reconciliation",
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("max_items", opts.MaxItems),
		zap.Bool("dry_run", opts.DryRun),
	)

	start := time.Now()
	summary := &Summary{DryRun: opts.DryRun, Cursor: opts.Cursor}

	for summary.Processed < opts.MaxItems {
		if summary.Processed > 0 && opts.PagePause > 0 {
			select {
			case <-ctx.Done():
				return j.finish(summary, start), ctx.Err()
			case <-time.After(opts.PagePause):
			}
		}

		pageSize := opts.BatchSize
		if remaining := opts.MaxItems - summary.Processed; remaining < pageSize {
			pageSize = remaining
		}

		page, contToken, err := j.ds.ReadExperiencePage(ctx, storage.PaginationOptions{
			PageSize: pageSize,
			From:     summary.Cursor,
		})
		if err != nil {
			telemetry.TraceError(span, err)
			log.Error("experience page scan failed",
				zap.String("cursor", summary.Cursor),
				zap.Error(err),
			)
			return j.finish(summary, start), err
		}

		if len(page) == 0 {
			summary.Cursor = ""
			break
		}

		for _, experience := range page {
			if err := j.reconcileExperience(ctx, experience, opts.DryRun, summary); err != nil {
				// Logged with its cursor position; the run continues.
				experiencesReconciledCounter.WithLabelValues("error").Inc()
				summary.Failed++
				log.Error("failed to reconcile experience",
					zap.String("experience_id", experience.ID),
					zap.String("cursor", summary.Cursor),
					zap.Error(err),
				)
			}
			summary.Processed++
		}

		log.Info("reconciled page",
			zap.Int("processed", summary.Processed),
			zap.Int("updated", summary.Updated),
		)

		summary.Cursor = contToken
		if contToken == "" {
			break
		}
	}

	result := j.finish(summary, start)
	log.Info("reconciliation complete",
		zap.Int("processed", result.Processed),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Bool("dry_run", result.DryRun),
	)

	return result, nil
}

func (j *Job) finish(summary *Summary, start time.Time) *Summary {
	summary.Duration = time.Since(start)
	summary.DurationMs = summary.Duration.Milliseconds()
	return summary
}

func (j *Job) reconcileExperience(ctx context.Context, experience *storage.Experience, dryRun bool, summary *Summary) error {
	computed, err := propagation.GranteesWithAccess(ctx, j.ds, experience)
	if err != nil {
		return err
	}

	if sameSet(experience.AccessSet, computed) {
		experiencesReconciledCounter.WithLabelValues("unchanged").Inc()
		return nil
	}

	summary.Updated++
	if dryRun {
		experiencesReconciledCounter.WithLabelValues("would_update").Inc()
		return nil
	}

	// Full replace, not a union: this is the ground-truth rebuild.
	if err := j.ds.UpdateAccessSets(ctx, []storage.AccessSetUpdate{{
		ExperienceID: experience.ID,
		Op:           storage.AccessSetReplace,
		Members:      computed,
	}}); err != nil {
		summary.Updated--
		return err
	}

	experiencesReconciledCounter.WithLabelValues("updated").Inc()
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
