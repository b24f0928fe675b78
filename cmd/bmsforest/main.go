// Command bmsforest trains, queries and serves the battery health model.
//
//	bmsforest train   -config config.yaml
//	bmsforest predict -config config.yaml -voltage 3.9 -cycles 250
//	bmsforest serve   -config config.yaml
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/bms-analytics/bmsforest/internal/config"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bmsforest: %v\n", err)
		os.Exit(1)
	}
}

const usage = `usage: bmsforest <command> [flags]

commands:
  train     fit the SOH/SOC forests and save the model
  predict   predict health metrics for one input
  serve     run the HTTP prediction service

Run "bmsforest <command> -h" for the flags of a command.`

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "train":
		return runTrain(args[1:], stdout)
	case "predict":
		return runPredict(args[1:], stdout)
	case "serve":
		return runServe(args[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return errors.Newf("unknown command %q", args[0])
	}
}

// setupLogging installs the process logger described by cfg and returns
// the logger for the command plus a closer for the log file, if any.
func setupLogging(cfg config.LogConfig, component string) (log.Logger, func()) {
	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.File != "" {
		rw := log.NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		w = rw
		closer = func() { rw.Close() }
	}

	log.SetupLogger(cfg.Level, w)
	if cfg.Backend != "zerolog" {
		return log.GetLoggerWithName(component), closer
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(w).With().Timestamp().Str(log.ComponentKey, component).Logger().Level(level)
	return log.NewZerologLogger(zl), closer
}
