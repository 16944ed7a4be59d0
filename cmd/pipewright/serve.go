package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	infraconfig "github.com/alexisbeaulieu97/pipewright/internal/infrastructure/config"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/httpapi"
)

type serveOptions struct {
	Addr string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine behind the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Listen address, overriding http.addr from the configuration")

	return cmd
}

func runServe(cmd *cobra.Command, root *rootFlags, opts serveOptions) error {
	app, err := newAppContext(root, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	addr := app.Config.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	rt, stop, err := app.startRuntime(ctx)
	if err != nil {
		return err
	}

	serverOpts := []httpapi.Option{httpapi.WithLogger(app.Logger)}
	if rt.Metrics != nil {
		serverOpts = append(serverOpts, httpapi.WithMetrics(app.Config.Metrics.Path, rt.Metrics.Handler()))
	}
	server := httpapi.NewServer(rt.Service(infraconfig.NewYAMLLoader(app.Logger)), serverOpts...)

	app.Log.WithFields(map[string]any{
		"addr":    addr,
		"storage": app.Config.Storage.Driver,
	}).Info("pipewright serving")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.ListenAndServe(groupCtx, addr) })
	serveErr := group.Wait()
	if err := stop(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
