package main

import (
	"context"
	"io"
	"strings"

	"github.com/alexisbeaulieu97/pipewright/internal/app/execution"
	"github.com/alexisbeaulieu97/pipewright/internal/config"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/logger"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// AppContext bundles what every command builds at startup.
type AppContext struct {
	Config config.Config
	Log    *logger.Logger
	Logger ports.Logger
}

func newAppContext(flags *rootFlags, logOutput io.Writer) (*AppContext, error) {
	cfg := config.DefaultConfig()
	if strings.TrimSpace(flags.configPath) != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	level := cfg.Log.Level
	if flags.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{
		Level:         level,
		HumanReadable: cfg.Log.HumanReadable,
		Writer:        logOutput,
		Service:       "pipewright",
	})
	if err != nil {
		return nil, err
	}

	return &AppContext{
		Config: cfg,
		Log:    log,
		Logger: logging.FromZerolog(log.Zerolog(), "", nil),
	}, nil
}

// startRuntime builds the runtime and runs it in the background. The
// returned stop function cancels it, waits for it and closes the store.
func (a *AppContext) startRuntime(ctx context.Context, opts ...execution.Option) (*execution.Runtime, func() error, error) {
	rt, err := execution.NewRuntime(ctx, a.Config, a.Logger, opts...)
	if err != nil {
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rt.Run(runCtx) }()

	stop := func() error {
		cancel()
		runErr := <-done
		closeErr := rt.Close()
		if runErr != nil && runCtx.Err() == nil {
			return runErr
		}
		return closeErr
	}
	return rt, stop, nil
}
