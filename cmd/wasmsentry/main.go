// Command wasmsentry validates that a compiled Wasm module's native code
// respects its sandboxing contract.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wasmsentry/wasmsentry/internal/loader"
	"github.com/wasmsentry/wasmsentry/internal/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wasmsentry:", err)
		os.Exit(2)
	}
}

func run() error {
	var (
		modulePath string
		numJobs    int
		outputPath string
		quiet      bool
	)
	pflag.StringVarP(&modulePath, "input", "i", "", "path to the native Wasm module to validate (required)")
	pflag.IntVarP(&numJobs, "jobs", "j", 1, "number of functions to verify concurrently")
	pflag.StringVarP(&outputPath, "output", "o", "", "path to write a per-function stats file")
	pflag.BoolVarP(&quiet, "quiet", "q", false, "suppress per-function progress logging")
	pflag.Parse()

	if modulePath == "" {
		pflag.Usage()
		return errors.New("missing required -i module path")
	}

	logger, err := newLogger(quiet)
	if err != nil {
		return errors.Wrap(err, "constructing logger")
	}
	defer logger.Sync() //nolint:errcheck

	m, err := loader.Load(modulePath)
	if err != nil {
		return errors.Wrap(err, "loading module")
	}

	report, err := verify.Run(context.Background(), m, verify.Options{NumJobs: numJobs, Logger: logger})
	if err != nil {
		return errors.Wrap(err, "verifying module")
	}

	if outputPath != "" {
		if err := writeReport(outputPath, report); err != nil {
			return errors.Wrap(err, "writing stats output")
		}
	}

	rejected := 0
	for _, f := range report.Functions {
		if f.Accepted() {
			continue
		}
		rejected++
		fmt.Printf("REJECTED %s\n", f.Name)
		for _, v := range f.Violations {
			fmt.Printf("  %s\n", v.String())
		}
	}

	if rejected > 0 {
		return errors.Errorf("%d of %d functions rejected", rejected, len(report.Functions))
	}
	fmt.Printf("accepted %d functions\n", len(report.Functions))
	return nil
}

func newLogger(quiet bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""
	if quiet {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func writeReport(path string, report verify.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, fn := range report.Functions {
		status := "accepted"
		if !fn.Accepted() {
			status = "rejected"
		}
		fmt.Fprintf(f, "%s %s %d\n", fn.Name, status, len(fn.Violations))
	}
	return nil
}
