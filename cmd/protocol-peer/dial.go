package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dxos-deprecated/protocol/internal/logger"
	"github.com/dxos-deprecated/protocol/protoconfig"
	"github.com/dxos-deprecated/protocol/session"
	"github.com/dxos-deprecated/protocol/transport/ws"
)

var (
	dialAddr  string
	dialTopic string
)

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Connect to a protocol-peer serve endpoint and exchange lines over the buffer extension",
	RunE:  runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialAddr, "addr", "ws://127.0.0.1:8080/peer", "websocket address of a running serve instance")
	dialCmd.Flags().StringVar(&dialTopic, "topic", "default-topic", "shared topic identifying the connection")
}

// runDial opens a Stream, drives Session.Init with the given topic, then
// echoes stdin lines to the peer's buffer extension until the process is
// interrupted. Modeled on the teacher's websocket client demo
// (pkg/agent/transport/websocket/client.go dial-and-loop shape).
func runDial(cmd *cobra.Command, args []string) error {
	cfg, err := protoconfig.Load()
	if err != nil {
		return err
	}
	log := logger.New(cmd.OutOrStdout(), parseLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stream, err := ws.Dial(ctx, dialAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", dialAddr, err)
	}

	sess := session.New(session.Options{
		Stream:      stream,
		InitTimeout: cfg.InitTimeout,
		Logger:      log,
	})
	bufExt := newBufferExtension(log)
	sess.SetExtension(bufExt)

	if err := sess.Init(ctx, []byte(dialTopic)); err != nil {
		return fmt.Errorf("session init: %w", err)
	}
	defer sess.Close()
	log.Info("connected", logger.String("addr", dialAddr))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		resp, err := bufExt.Send(ctx, []byte(line), false)
		if err != nil {
			log.Warn("send failed", logger.Err(err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "echo: %s\n", resp.Data)
	}
	return nil
}
