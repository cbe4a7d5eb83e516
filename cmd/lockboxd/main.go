// The lockboxd daemon runs a vault node: it serves the recovery API,
// scans the relays for shares and recovery traffic addressed to its
// identity, and drives request expiry.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/stewardvault/recovery-backend/cmd/flags"
	"github.com/stewardvault/recovery-backend/cmd/nodecommon"
	"github.com/stewardvault/recovery-backend/httpserver"
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the recovery API",
	},
	&cli.Int64Flag{
		Name:  "scan-seconds",
		Value: 15,
		Usage: "seconds between relay scans",
	},
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "lockboxd",
		Usage: "Threshold secret backup and social recovery daemon",
		Flags: cliFlags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := nodecommon.Bootstrap(ctx, cCtx, logger)
	if err != nil {
		logger.Error("Failed to bootstrap node", "err", err)
		return err
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	handler := httpserver.NewHandler(node.Keys, node.Coordinator, node.Distributor, logger)
	srv, err := httpserver.New(cfg, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	scanInterval := time.Duration(cCtx.Int64("scan-seconds")) * time.Second
	go scanLoop(ctx, node, scanInterval)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")

	cancel()
	srv.Shutdown()
	return nil
}

// scanLoop polls the relays for envelopes addressed to this node and
// expires overdue requests. Scan errors are logged and retried on the
// next tick.
func scanLoop(ctx context.Context, node *nodecommon.Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := node.Distributor.FetchOwnShares(ctx); err != nil {
				node.Log.Warn("share scan failed", "err", err)
			}
			if err := node.Coordinator.PollInbox(ctx); err != nil {
				node.Log.Warn("inbox scan failed", "err", err)
			}
			node.Coordinator.CheckExpiry(ctx, now)
		}
	}
}
