package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"kvbind/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runWithContext(ctx, args, out, errOut)
}

func runWithContext(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	cfg, err := parseArgs(args, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitCodeSuccess
		}
		var usage *usageError
		if errors.As(err, &usage) {
			fmt.Fprintln(errOut, usage.Message)
		}
		return exitCodeUsage
	}
	if cfg.ShowVersion {
		fmt.Fprintln(out, version.GetVersionInfo().Describe("kvbind"))
		return exitCodeSuccess
	}

	app, err := newApp(cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		var configErr *configError
		if errors.As(err, &configErr) {
			return exitCodeConfig
		}
		return exitCodeRuntime
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		app.logger.Error("start failed", map[string]string{"error": err.Error()})
		fmt.Fprintln(errOut, err)
		return exitCodeRuntime
	}
	if cfg.Once {
		app.Flush()
		return exitCodeSuccess
	}
	<-ctx.Done()
	app.logger.Info("shutdown signal received", nil)
	return exitCodeSuccess
}
