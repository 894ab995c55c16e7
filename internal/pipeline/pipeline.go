// Package pipeline drives an incremental catalog build through its stages:
//
//	inputs ──map──▶ partial histograms ──aggregate──▶ histogram
//	histogram ──plan──▶ alignment plan (persisted)
//	inputs ──split──▶ shard files per destination cell
//	shard files ──reduce──▶ partition files + partition histograms
//	partition histograms ──finalize──▶ listing, sky maps, properties
//
// Every Map, Split and Reduce task is keyed and recorded in the checkpoint
// ledger when it succeeds. Running the same build again skips the keys
// already recorded, so a failed build is recovered by rerunning it.
package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/skytile/internal/alignment"
	"github.com/dreamware/skytile/internal/catalog"
	"github.com/dreamware/skytile/internal/cell"
	"github.com/dreamware/skytile/internal/config"
	"github.com/dreamware/skytile/internal/executor"
	"github.com/dreamware/skytile/internal/histogram"
	"github.com/dreamware/skytile/internal/ledger"
	"github.com/dreamware/skytile/internal/record"
	"github.com/dreamware/skytile/internal/skyerr"
	"github.com/dreamware/skytile/internal/storage"
)

// Names inside the temp directory.
const (
	ledgerDir          = "ledger"
	histogramDir       = "histograms"
	shardDir           = "shards"
	reduceHistogramDir = "reduce_histograms"
	baselineDir        = "baseline"
	planFile           = "alignment.plan"

	planKey = "alignment"

	metaInputs    = "inputs"
	metaIncrement = "increment"
	metaColumns   = "coord_columns"
	metaBaseline  = "baseline"
	metaRowsPfx   = "rows/"
	metaSkipPfx   = "skipped/"
)

// Values of the baseline meta entry.
const (
	baselineNone     = "none"
	baselineSnapshot = "snapshot"
)

// Builder is written to the catalog properties.
const Builder = "skytile"

// Result summarizes a finished build.
type Result struct {
	RunID      string                `json:"run_id"`
	Increment  string                `json:"increment"`
	Partitions []alignment.Partition `json:"partitions"`
	NewRows    uint64                `json:"new_rows"`
	TotalRows  uint64                `json:"total_rows"`
	Skipped    uint64                `json:"skipped"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReader replaces the CSV reader built from the configuration.
func WithReader(r record.Reader) Option {
	return func(p *Pipeline) { p.reader = r }
}

// WithExecutor replaces the worker pool built from the configuration.
func WithExecutor(e executor.Executor) Option {
	return func(p *Pipeline) { p.exec = e }
}

// WithMetrics registers the build metrics with reg instead of a private
// registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pipeline) { p.metrics = NewMetrics(reg) }
}

// WithRunID sets the run id instead of a random one.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// WithProgress draws progress bars to w.
func WithProgress(w io.Writer) Option {
	return func(p *Pipeline) { p.bars = newBars(w) }
}

// Pipeline runs one build described by a resolved configuration.
// A Pipeline is used for a single Run or PlanOnly call.
type Pipeline struct {
	cfg     config.Config
	log     logrus.FieldLogger
	reader  record.Reader
	exec    executor.Executor
	metrics *Metrics
	monitor *Monitor
	bars    *bars
	runID   string
	locator record.Locator
	now     func() time.Time

	ledger   *ledger.Ledger
	inputs   []string
	existing *catalog.Descriptor
	plan     *alignment.Plan
	registry *alignment.Registry

	columnsOnce sync.Once

	// test hooks
	beforeReduce   func(c cell.Cell) error
	beforeFinalize func() error
	beforeValidate func() error
}

// New prepares a pipeline for cfg. cfg must be resolved and valid.
func New(cfg config.Config, log logrus.FieldLogger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TmpPath == "" || cfg.IncrementName == "" {
		return nil, errors.New("config is not resolved: tmp_path and increment_name are required")
	}
	policy, err := record.ParsePolicy(cfg.Input.MissingCoordinates)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg: cfg,
		log: log,
		locator: record.Locator{
			RAColumn:  cfg.Input.RAColumn,
			DecColumn: cfg.Input.DecColumn,
			Policy:    policy,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.reader == nil {
		p.reader = record.CSVReader{Comma: cfg.Input.CommaRune(), BatchSize: cfg.Input.BatchSize}
	}
	if p.exec == nil {
		p.exec = executor.NewPool(cfg.Runtime.Workers, log)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.log = log.WithFields(logrus.Fields{"run_id": p.runID, "increment": cfg.IncrementName})
	p.monitor = NewMonitor(cfg.Runtime.MonitorInterval, p.log)

	var stats func() executor.Stats
	if s, ok := p.exec.(interface{ Stats() executor.Stats }); ok {
		stats = s.Stats
	}
	p.monitor.setRun(p.runID, cfg.IncrementName, stats)
	return p, nil
}

// Monitor returns the progress monitor of the build.
func (p *Pipeline) Monitor() *Monitor { return p.monitor }

// RunID returns the id of the build.
func (p *Pipeline) RunID() string { return p.runID }

// Run executes every stage, skipping work the ledger records as done.
// On success the catalog at catalog_path is complete and validated, the
// ledger is discarded and, if configured, the temp directory is removed.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := p.open(ctx); err != nil {
		return nil, err
	}
	defer p.close()
	p.monitor.Start(ctx)
	defer p.monitor.Stop()

	p.log.WithField("inputs", len(p.inputs)).Info("build started")
	start := time.Now()

	if err := p.mapAndPlan(ctx); err != nil {
		return nil, err
	}
	if err := p.split(ctx); err != nil {
		return nil, err
	}
	if err := p.reduce(ctx); err != nil {
		return nil, err
	}
	if p.beforeFinalize != nil {
		if err := p.beforeFinalize(); err != nil {
			return nil, err
		}
	}
	res, err := p.finalize(ctx)
	if err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"rows":       res.NewRows,
		"total_rows": res.TotalRows,
		"partitions": len(res.Partitions),
		"elapsed":    time.Since(start).Round(time.Millisecond).String(),
	}).Info("build finished")
	return res, nil
}

// PlanOnly runs the map and planning stages and returns the destination
// partitions without writing any catalog output. The ledger and temp
// directory are kept, so a later Run continues from the plan.
func (p *Pipeline) PlanOnly(ctx context.Context) ([]alignment.Partition, error) {
	if err := p.open(ctx); err != nil {
		return nil, err
	}
	defer p.close()
	p.monitor.Start(ctx)
	defer p.monitor.Stop()

	if err := p.mapAndPlan(ctx); err != nil {
		return nil, err
	}
	for _, s := range []ledger.Stage{ledger.Splitting, ledger.Reducing, ledger.Finalizing} {
		p.monitor.Skip(s)
	}
	return p.registry.All(), nil
}

// open resolves the inputs, opens the ledger and loads the catalog the
// build extends.
func (p *Pipeline) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inputs, err := p.cfg.Input.Files()
	if err != nil {
		return err
	}
	p.inputs = inputs

	store, err := storage.Open(p.cfg.Ledger.Backend, filepath.Join(p.cfg.TmpPath, ledgerDir))
	if err != nil {
		return errors.Wrap(err, "open checkpoint ledger")
	}
	p.ledger = ledger.New(store, p.log)

	if err := p.guardResume(); err != nil {
		p.close()
		return err
	}
	if err := p.loadExisting(); err != nil {
		p.close()
		return err
	}
	return nil
}

// loadExisting loads the catalog as it was before the first attempt of
// this build. The first attempt snapshots the catalog metadata into the temp
// directory; later attempts read the snapshot, because finalize may already
// have rewritten the live metadata to include this increment.
func (p *Pipeline) loadExisting() error {
	state, ok, err := p.ledger.Meta(metaBaseline)
	if err != nil {
		return err
	}

	switch {
	case !ok:
		exists, err := catalog.Exists(p.cfg.CatalogPath)
		if err != nil {
			return errors.Wrap(err, "check for existing catalog")
		}
		value := baselineNone
		if exists {
			if p.existing, err = catalog.Snapshot(p.cfg.CatalogPath, p.tmp(baselineDir)); err != nil {
				return err
			}
			value = baselineSnapshot
		}
		if err := p.ledger.SetMeta(metaBaseline, []byte(value)); err != nil {
			return err
		}
	case string(state) == baselineSnapshot:
		if p.existing, err = catalog.LoadSnapshot(p.cfg.CatalogPath, p.tmp(baselineDir)); err != nil {
			return errors.Wrap(err, "load catalog snapshot")
		}
	}

	if p.existing == nil {
		return nil
	}
	if err := p.checkExistingOrder(); err != nil {
		return err
	}
	p.log.WithField("partitions", len(p.existing.Partitions)).Info("extending existing catalog")
	return nil
}

// checkExistingOrder fails early when the existing catalog was mapped at a
// different order than this build, which would make its point map
// incompatible.
func (p *Pipeline) checkExistingOrder() error {
	if _, ok := p.existing.Properties[catalog.KeyMappingOrder]; !ok {
		return nil
	}
	order, err := p.existing.Properties.Uint(catalog.KeyMappingOrder)
	if err != nil {
		return err
	}
	if want := p.cfg.Partitioning.MappingOrder; order != uint64(want) {
		return &skyerr.ShapeMismatchError{
			Expected: histogram.Len(want),
			Actual:   histogram.Len(uint8(order)),
		}
	}
	return nil
}

// guardResume refuses to continue a build whose inputs or increment differ
// from the ones recorded by an earlier attempt. An increment name that was
// only defaulted from the date gives way to the recorded one, so a build
// interrupted before midnight resumes after it.
func (p *Pipeline) guardResume() error {
	stats, err := p.ledger.Stats()
	if err != nil {
		return errors.Wrap(err, "read checkpoint ledger")
	}
	if stats.Keys > 0 {
		p.log.WithField("entries", stats.Keys).Info("resuming from checkpoint ledger")
	}

	for _, m := range []struct {
		name, value string
		adopt       func(prev string)
	}{
		{name: metaInputs, value: strings.Join(p.inputs, "\n")},
		{name: metaIncrement, value: p.cfg.IncrementName, adopt: p.adoptIncrement},
	} {
		prev, ok, err := p.ledger.Meta(m.name)
		if err != nil {
			return err
		}
		if !ok {
			if err := p.ledger.SetMeta(m.name, []byte(m.value)); err != nil {
				return err
			}
			continue
		}
		if string(prev) == m.value {
			continue
		}
		if m.adopt != nil && p.cfg.IncrementDefaulted() {
			m.adopt(string(prev))
			continue
		}
		return errors.Errorf("temp directory %s holds an unfinished build with different %s; "+
			"rerun with the same configuration or remove the directory", p.cfg.TmpPath, m.name)
	}
	return nil
}

func (p *Pipeline) adoptIncrement(name string) {
	p.log.WithFields(logrus.Fields{
		"defaulted": p.cfg.IncrementName,
		"recorded":  name,
	}).Info("resuming increment recorded by an earlier attempt")
	p.cfg.IncrementName = name
	p.log = p.log.WithField("increment", name)
	p.monitor.setIncrement(name)
}

func (p *Pipeline) close() {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.Close(); err != nil {
		p.log.WithError(err).Warn("close checkpoint ledger")
	}
	p.ledger = nil
	p.bars.wait()
}

// runStage submits one task per pending key of stage and marks each key
// done as its task succeeds. On the first failure no further tasks are
// submitted, the pool is drained and the failure is returned.
func (p *Pipeline) runStage(ctx context.Context, stage ledger.Stage, keys []string, run func(ctx context.Context, key string) error) error {
	pending, err := p.ledger.Pending(stage, keys)
	if err != nil {
		return err
	}
	log := p.log.WithFields(logrus.Fields{
		"stage":   stage,
		"pending": len(pending),
		"done":    len(keys) - len(pending),
	})
	log.Info("stage started")
	start := time.Now()
	p.monitor.Begin(stage, len(keys), len(keys)-len(pending))
	bar := p.bars.add(stage, len(pending))

	var failed atomic.Bool
	futures := make([]*executor.Future, 0, len(pending))
	for _, key := range pending {
		key := key // per-iteration copy for the task closure (go 1.21 loop semantics)
		if failed.Load() {
			break
		}
		futures = append(futures, p.exec.Submit(ctx, executor.Task{
			Key: key,
			Run: func(ctx context.Context) error {
				err := run(ctx, key)
				if err != nil {
					failed.Store(true)
				}
				return err
			},
		}))
	}

	err = p.exec.WaitAll(ctx, string(stage), futures, func(key string) error {
		if err := p.ledger.MarkDone(stage, key); err != nil {
			return err
		}
		p.metrics.Tasks.WithLabelValues(string(stage), "succeeded").Inc()
		p.monitor.Advance(stage)
		bar.increment()
		log.WithField("key", key).Debug("task done")
		return nil
	})
	p.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	bar.finish(err)

	if err != nil {
		var taskErr *skyerr.StageTaskError
		if errors.As(err, &taskErr) {
			p.metrics.Tasks.WithLabelValues(string(stage), "failed").Inc()
			log.WithField("key", taskErr.Key).WithError(taskErr.Err).Error("task failed")
		}
		// tasks still running must not write behind the caller's back
		p.exec.Drain()
		p.monitor.Finish(stage, err)
		return err
	}

	p.monitor.Finish(stage, nil)
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond).String()).Info("stage finished")
	return nil
}

// reportSkipped logs and counts the records a task dropped under the skip
// policy.
func (p *Pipeline) reportSkipped(stage ledger.Stage, key, source string, n int) {
	if n == 0 {
		return
	}
	p.metrics.RowsSkipped.WithLabelValues(string(stage)).Add(float64(n))
	p.log.WithFields(logrus.Fields{
		"stage":   stage,
		"key":     key,
		"source":  source,
		"skipped": n,
	}).Warn("skipped records with unresolvable coordinates")
}

func (p *Pipeline) tmp(elem ...string) string {
	return filepath.Join(append([]string{p.cfg.TmpPath}, elem...)...)
}

func (p *Pipeline) removeTmp() error {
	return errors.Wrap(os.RemoveAll(p.cfg.TmpPath), "remove temp directory")
}
