// Command skytile builds and extends HEALPix-tiled catalogs.
//
//	skytile build -c build.yaml      run or resume a build
//	skytile plan -c build.yaml       map and plan only, print the partitions
//	skytile validate <catalog_dir>   check a catalog's structure
//	skytile status --addr host:port  show the progress of a running build
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/skytile/internal/skyerr"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// globalOptions apply to every command.
type globalOptions struct {
	LogLevel  string `long:"log-level" description:"Override logging.level (debug, info, warn, error)"`
	LogFormat string `long:"log-format" choice:"text" choice:"json" description:"Override logging.format"`
}

// app carries what commands share: the context, outputs and global options.
type app struct {
	ctx    context.Context
	out    io.Writer
	errOut io.Writer
	global globalOptions
}

// run parses args, executes the selected command and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{ctx: ctx, out: stdout, errOut: stderr}

	parser := flags.NewParser(&a.global, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "skytile"
	mustAdd(parser.AddCommand("build", "Build or extend a catalog",
		"Runs every stage of the build described by the config file. An interrupted build resumes where it stopped.",
		&buildCommand{app: a}))
	mustAdd(parser.AddCommand("plan", "Plan partitions without writing the catalog",
		"Maps the inputs and prints the destination partitions. A later build reuses the plan.",
		&planCommand{app: a}))
	mustAdd(parser.AddCommand("validate", "Validate a catalog",
		"Checks the structure and row counts of a catalog directory.",
		&validateCommand{app: a}))
	mustAdd(parser.AddCommand("status", "Show the progress of a running build",
		"Queries the status server of a build started with --status-addr.",
		&statusCommand{app: a}))

	_, err := parser.ParseArgs(args)
	if err == nil {
		return 0
	}
	if flagsErr, ok := err.(*flags.Error); ok {
		if flagsErr.Type == flags.ErrHelp {
			io.WriteString(stdout, flagsErr.Message+"\n")
			return 0
		}
		io.WriteString(stderr, flagsErr.Message+"\n")
		return 2
	}
	if err == errReported {
		return 1
	}
	reportError(a.logger(), err)
	return 1
}

func mustAdd(_ *flags.Command, err error) {
	if err != nil {
		panic(err)
	}
}

// logger returns a logger for errors raised before a command configured
// its own.
func (a *app) logger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(a.errOut)
	if a.global.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// reportError logs err with the stage and key a rerun needs.
func reportError(log logrus.FieldLogger, err error) {
	entry := log.WithError(err)
	var taskErr *skyerr.StageTaskError
	if errors.As(err, &taskErr) {
		entry = entry.WithField("stage", taskErr.Stage).WithField("key", taskErr.Key)
	}
	entry.Error("skytile failed")
}
