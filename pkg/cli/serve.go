package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carelink/schedule-notifier/pkg/api"
	"github.com/carelink/schedule-notifier/pkg/mail"
	"github.com/carelink/schedule-notifier/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the notification API and queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return rt.serve(ctx)
		},
	}
}

// serve runs until ctx is cancelled, then drains the API, the queue and the
// audit sinks in that order.
func (rt *runtimeState) serve(ctx context.Context) error {
	log := rt.logger.Sugar()
	log.Infow("Starting schedule-notifier", "version", version.GetBuildInfo().Version)

	sink, err := rt.auditSink()
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warnw("Failed to close audit sink", "error", err)
		}
	}()

	n := rt.cfg.Notifications
	svc := mail.NewService(rt.dispatcher(sink), mail.QueueConfig{
		Name:           "notifications",
		MaxRetries:     n.MaxRetries,
		InitialBackoff: n.RetryBackoffDuration(),
		MaxQueueSize:   n.QueueSize,
		SendRate:       n.SendRate,
		SendBurst:      n.SendBurst,
	}, log)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(rt.logger, rt.cfg, rt.debug, svc)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Listen() }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Errorw("API server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warnw("API server shutdown incomplete", "error", serr)
	}
	if serr := svc.Stop(shutdownCtx); serr != nil {
		log.Warnw("Mail service shutdown incomplete", "error", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("schedule-notifier stopped")
	return nil
}
