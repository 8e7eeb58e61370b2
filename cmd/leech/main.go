package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/meta"
	"github.com/prxssh/leech/internal/torrent"
	"github.com/prxssh/leech/pkg/logging"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	setupLogger()

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <path-to-torrent-file>\n", os.Args[0])
		os.Exit(1)
	}

	if err := config.Init(); err != nil {
		slog.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		slog.Error("failed to read torrent file", "error", err)
		os.Exit(1)
	}

	metainfo, err := meta.Parse(data)
	if err != nil {
		slog.Error("failed to parse torrent file", "error", err)
		os.Exit(1)
	}

	t, err := torrent.New(metainfo, slog.Default())
	if err != nil {
		slog.Error("failed to initialize download", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Run(gctx) })
	g.Go(func() error { return renderProgress(gctx, t) })

	if err := g.Wait(); err != nil {
		slog.Error("download failed", "error", err)
		os.Exit(1)
	}
	if !t.Done() {
		slog.Error("download interrupted")
		os.Exit(1)
	}

	slog.Info("File(s) downloaded successfully.")
}

// renderProgress redraws the progress line whenever the downloaded byte
// count changes: unchoked peer count, percentage, completed/total pieces.
func renderProgress(ctx context.Context, t *torrent.Torrent) error {
	total := t.Progress().Total

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetDescription("connecting"),
	)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var last int64 = -1

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			p := t.Progress()
			if p.Downloaded == last {
				if t.Done() {
					return nil
				}
				continue
			}
			last = p.Downloaded

			bar.Describe(fmt.Sprintf(
				"peers: %d | pieces: %d/%d",
				p.UnchokedPeers, p.Completed, p.NumPieces,
			))
			_ = bar.Set64(p.Downloaded)

			if t.Done() {
				_ = bar.Finish()
				fmt.Fprintln(os.Stdout)
				return nil
			}
		}
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
