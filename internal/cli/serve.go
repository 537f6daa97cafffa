package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/httpapi"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync loops, the outbox dispatcher and the ops API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg stdsync.WaitGroup

	if cfg.NATS.Enabled {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		dispatcher := sync.NewDispatcher(a.store, pub, logger).WithIdle(cfg.NATS.DispatchInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	} else {
		logger.Warn("nats disabled, outbox rows stay pending")
	}

	var verifier httpapi.Verifier
	if cfg.HTTP.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, cfg.HTTP.JWKSURL, logger)
		if err != nil {
			return err
		}
		defer v.Close()
		verifier = v
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(a.manager, a.store, verifier, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("ops api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	for _, mb := range a.manager.Mailboxes() {
		if err := a.manager.StartSync(ctx, mb.ID); err != nil {
			logger.Error("start sync failed", "mailbox", mb.ID, "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			logger.Error("ops api failed", "error", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops api shutdown", "error", err)
	}
	cancel()
	a.manager.StopAll()
	wg.Wait()
	return nil
}
