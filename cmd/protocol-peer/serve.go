package main

import (
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dxos-deprecated/protocol/internal/logger"
	"github.com/dxos-deprecated/protocol/internal/metrics"
	"github.com/dxos-deprecated/protocol/protoconfig"
	"github.com/dxos-deprecated/protocol/session"
	"github.com/dxos-deprecated/protocol/transport/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept incoming protocol peers over websocket",
	RunE:  runServe,
}

// runServe accepts multiple concurrent websocket peers; each accepted
// connection gets its own Session and its own errgroup-managed goroutine,
// mirroring the per-Session isolation §5 requires while giving the
// process one place to wait for and propagate the first fatal accept
// error (modeled on the teacher's per-connection websocket server loop,
// pkg/agent/transport/websocket/server.go, generalized with errgroup).
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := protoconfig.Load()
	if err != nil {
		return err
	}
	log := logger.New(cmd.OutOrStdout(), parseLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	g, gctx := errgroup.WithContext(ctx)
	mux.HandleFunc("/peer", func(w http.ResponseWriter, r *http.Request) {
		stream, err := ws.Upgrade(w, r)
		if err != nil {
			log.Warn("upgrade failed", logger.Err(err))
			return
		}
		g.Go(func() error {
			sess := session.New(session.Options{
				Stream:      stream,
				InitTimeout: cfg.InitTimeout,
				Logger:      log,
			})
			sess.SetExtension(newBufferExtension(log))
			if err := sess.Init(gctx, nil); err != nil {
				log.Warn("session init failed", logger.Err(err))
				return nil
			}
			log.Info("peer session running")
			<-gctx.Done()
			return sess.Close()
		})
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})
	g.Go(func() error {
		log.Info("listening", logger.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}

func parseLevel(name string) logger.Level {
	switch name {
	case "DEBUG":
		return logger.DebugLevel
	case "WARN":
		return logger.WarnLevel
	case "ERROR":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
