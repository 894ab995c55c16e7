package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/skytile/internal/alignment"
	"github.com/dreamware/skytile/internal/catalog"
	"github.com/dreamware/skytile/internal/config"
	"github.com/dreamware/skytile/internal/pipeline"
	"github.com/dreamware/skytile/internal/status"
)

// errReported marks an error that was already logged with its context.
var errReported = errors.New("build failed")

// buildOptions select and override the build configuration.
type buildOptions struct {
	Config     string `short:"c" long:"config" env:"SKYTILE_CONFIG" description:"YAML build configuration"`
	Workers    int    `long:"workers" description:"Override runtime.workers"`
	Progress   bool   `long:"progress" description:"Draw progress bars"`
	StatusAddr string `long:"status-addr" description:"Serve /health, /progress and /metrics on this address"`
}

// load reads the config file and applies command line overrides.
func (o buildOptions) load(global globalOptions, now time.Time) (config.Config, error) {
	if o.Config == "" {
		return config.Config{}, errors.New("a config file is required (-c or SKYTILE_CONFIG)")
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return cfg, err
	}
	if global.LogLevel != "" {
		cfg.Logging.Level = global.LogLevel
	}
	if global.LogFormat != "" {
		cfg.Logging.Format = global.LogFormat
	}
	if o.Workers > 0 {
		cfg.Runtime.Workers = o.Workers
	}
	if o.Progress {
		cfg.Runtime.Progress = true
	}
	if o.StatusAddr != "" {
		cfg.Status.Addr = o.StatusAddr
	}
	cfg.Resolve(now)
	return cfg, cfg.Validate()
}

// setup builds the pipeline and, if configured, starts the status server.
// The returned stop function shuts the server down.
func (a *app) setup(opts buildOptions) (*pipeline.Pipeline, logrus.FieldLogger, func(), error) {
	cfg, err := opts.load(a.global, time.Now())
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cfg.Logging.NewLogger()
	logger.SetOutput(a.errOut)

	reg := prometheus.NewRegistry()
	pipelineOpts := []pipeline.Option{pipeline.WithMetrics(reg)}
	if cfg.Runtime.Progress {
		pipelineOpts = append(pipelineOpts, pipeline.WithProgress(a.errOut))
	}
	p, err := pipeline.New(cfg, logger, pipelineOpts...)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.WithField("run_id", p.RunID())

	stop := func() {}
	if cfg.Status.Addr != "" {
		srv := status.NewServer(cfg.Status.Addr, p.Monitor(), reg, log)
		if err := srv.Start(); err != nil {
			return nil, nil, nil, err
		}
		stop = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
	}
	return p, log, stop, nil
}

type buildCommand struct {
	app *app
	buildOptions
}

func (c *buildCommand) Execute(args []string) error {
	p, log, stop, err := c.app.setup(c.buildOptions)
	if err != nil {
		return err
	}
	defer stop()

	res, err := p.Run(c.app.ctx)
	if err != nil {
		reportError(log, err)
		return errReported
	}
	fmt.Fprintf(c.app.out, "increment %s: %d new rows, %d total rows in %d partitions\n",
		res.Increment, res.NewRows, res.TotalRows, len(res.Partitions))
	if res.Skipped > 0 {
		fmt.Fprintf(c.app.out, "%d records skipped for unresolvable coordinates\n", res.Skipped)
	}
	return nil
}

type planCommand struct {
	app *app
	buildOptions
}

func (c *planCommand) Execute(args []string) error {
	p, log, stop, err := c.app.setup(c.buildOptions)
	if err != nil {
		return err
	}
	defer stop()

	partitions, err := p.PlanOnly(c.app.ctx)
	if err != nil {
		reportError(log, err)
		return errReported
	}
	return printPartitions(c.app, partitions)
}

func printPartitions(a *app, partitions []alignment.Partition) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CELL\tEXISTING ROWS\tNEW ROWS\tEXISTING")
	var newRows uint64
	for _, part := range partitions {
		fmt.Fprintf(w, "%s\t%d\t%d\t%t\n", part.Cell, part.ExistingRows, part.NewRows, part.Existing)
		newRows += part.NewRows
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d partitions, %d new rows\n", len(partitions), newRows)
	return nil
}

type validateCommand struct {
	app  *app
	Args struct {
		Catalog string `positional-arg-name:"catalog_dir" required:"yes"`
	} `positional-args:"yes"`
}

func (c *validateCommand) Execute(args []string) error {
	if err := catalog.Validate(c.app.ctx, c.Args.Catalog); err != nil {
		return err
	}
	fmt.Fprintf(c.app.out, "catalog %s is valid\n", c.Args.Catalog)
	return nil
}

type statusCommand struct {
	app  *app
	Addr string `long:"addr" required:"true" description:"Status server address of the build"`
}

func (c *statusCommand) Execute(args []string) error {
	ctx, cancel := context.WithTimeout(c.app.ctx, 10*time.Second)
	defer cancel()

	snap, err := status.FetchProgress(ctx, c.Addr)
	if err != nil {
		return errors.Wrapf(err, "query %s", c.Addr)
	}
	enc := json.NewEncoder(c.app.out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
