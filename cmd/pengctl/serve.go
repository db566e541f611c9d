package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/peng/internal/api"
	"github.com/mattjoyce/peng/internal/events"
	"github.com/mattjoyce/peng/internal/log"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen   string
		token    string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve invocation history and live events over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.API.Listen
			}
			if token == "" {
				token = cfg.API.Token
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeFn, err := openHistory(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			logger := log.WithComponent("api")
			hub := events.NewHub(0)
			poller := events.NewPoller(hub, store, interval, log.WithComponent("poller"))
			srv := api.New(api.Config{Listen: listen, Token: token, Profile: string(cfg.Profile)}, store, hub, logger)

			// The server owns the exit status; the poller stops with it.
			pollCtx, cancelPoll := context.WithCancel(ctx)
			pollDone := make(chan struct{})
			go func() {
				defer close(pollDone)
				_ = poller.Run(pollCtx)
			}()

			err = srv.Start(ctx)
			cancelPoll()
			<-pollDone

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default: api.listen)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token required by the API (default: api.token)")
	cmd.Flags().DurationVar(&interval, "poll", events.DefaultPollInterval, "History poll interval for /events")
	return cmd
}
