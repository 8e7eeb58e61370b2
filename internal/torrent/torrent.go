// Package torrent wires the subsystems of a download together: metainfo in,
// tracker scrape, peer swarm, piece verification, files out.
package torrent

import (
	"context"
	"log/slog"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/meta"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/tracker"
)

type Torrent struct {
	log      *slog.Logger
	metainfo *meta.Metainfo
	pieces   *piece.Manager
	swarm    *peer.Manager
	trk      *tracker.Client
}

// Progress is the snapshot consumed by the CLI's progress printer.
type Progress struct {
	Downloaded    int64
	Total         int64
	Completed     int
	NumPieces     int
	UnchokedPeers int
}

// New builds the full component graph for one descriptor.
func New(m *meta.Metainfo, log *slog.Logger) (*Torrent, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("torrent", m.Info.Name)

	cfg := config.Load()

	pieces, err := piece.NewManager(m, cfg.DownloadDir, log)
	if err != nil {
		return nil, err
	}

	var picker piece.Picker
	switch cfg.PickStrategy {
	case config.PiecePickRarestFirst:
		picker = piece.NewRarestFirstPicker(pieces.NumPieces())
	default:
		picker = piece.NewInOrderPicker(pieces.NumPieces())
	}

	swarm := peer.NewManager(pieces, picker, log)
	trk := tracker.NewClient(m.Tiers(), m.InfoHash, cfg.ClientID, log)

	return &Torrent{
		log:      log,
		metainfo: m,
		pieces:   pieces,
		swarm:    swarm,
		trk:      trk,
	}, nil
}

// Run scrapes the trackers, dials the first candidates into sessions, and
// drives the swarm loops until every piece has verified.
func (t *Torrent) Run(ctx context.Context) error {
	addrs := t.trk.Scrape(ctx, t.announceParams("started"))
	t.log.Info("tracker scrape done", "candidates", len(addrs))

	connected := t.trk.ConnectPeers(addrs, t.pieces.NumPieces(), t.swarm.Register)
	t.log.Info("connect phase done", "connected", connected)

	if err := t.swarm.Run(ctx); err != nil {
		return err
	}

	return ctx.Err()
}

// Done reports whether the whole content has verified and been written.
func (t *Torrent) Done() bool { return t.pieces.AllComplete() }

// Progress snapshots the download state.
func (t *Torrent) Progress() Progress {
	p := t.pieces.Progress()

	return Progress{
		Downloaded:    p.Downloaded,
		Total:         p.Total,
		Completed:     p.Completed,
		NumPieces:     p.NumPieces,
		UnchokedPeers: t.swarm.UnchokedCount(),
	}
}

// announceParams snapshots the transfer counters reported to trackers.
func (t *Torrent) announceParams(event string) *tracker.AnnounceParams {
	p := t.pieces.Progress()

	left := p.Total - p.Downloaded
	if left < 0 {
		left = 0
	}

	return &tracker.AnnounceParams{
		Uploaded:   uint64(t.swarm.Uploaded()),
		Downloaded: uint64(p.Downloaded),
		Left:       uint64(left),
		Event:      event,
	}
}
