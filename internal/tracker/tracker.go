// Package tracker discovers swarm peers: it walks the metainfo's announce
// tiers over HTTP and UDP, accumulates candidate addresses, and dials the
// first few into live peer sessions.
package tracker

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"net/url"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/protocol"
)

// AnnounceParams carries the transfer counters reported to every tracker.
type AnnounceParams struct {
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      string
}

// Client scrapes announce URLs for one torrent.
type Client struct {
	log      *slog.Logger
	tiers    [][]string
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
}

func NewClient(tiers [][]string, infoHash, peerID [sha1.Size]byte, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		log:      log.With("component", "tracker"),
		tiers:    tiers,
		infoHash: infoHash,
		peerID:   peerID,
	}
}

// Scrape walks the announce tiers in order, collecting unique candidate
// addresses, until the configured cap is reached or the list is exhausted.
// A failing tracker is logged and the walk moves on.
func (c *Client) Scrape(ctx context.Context, params *AnnounceParams) []netip.AddrPort {
	cfg := config.Load()

	seen := make(map[netip.AddrPort]struct{})
	var out []netip.AddrPort

	add := func(addrs []netip.AddrPort) {
		for _, a := range addrs {
			if _, dup := seen[a]; dup {
				continue
			}

			seen[a] = struct{}{}
			out = append(out, a)
		}
	}

	for _, tier := range c.tiers {
		for _, raw := range tier {
			if len(out) >= cfg.MaxPeersScrape {
				return out
			}

			u, err := url.Parse(raw)
			if err != nil {
				c.log.Warn("bad announce url", "url", raw, "error", err)
				continue
			}

			var addrs []netip.AddrPort
			switch {
			case u.Scheme == "http" || u.Scheme == "https":
				addrs, err = c.httpAnnounce(ctx, u, params)
			case u.Scheme == "udp":
				addrs, err = c.udpAnnounce(ctx, u, params)
			default:
				c.log.Warn("unknown announce scheme", "url", raw)
				continue
			}

			if err != nil {
				c.log.Warn("announce failed", "url", raw, "error", err)
				continue
			}

			add(addrs)
			c.log.Info("announce success", "url", raw, "candidates", len(out))
		}
	}

	return out
}

// ConnectPeers dials candidates in insertion order until the connected cap
// is reached. A successful dial immediately sends the handshake and hands
// the session to register.
func (c *Client) ConnectPeers(
	addrs []netip.AddrPort,
	numPieces int,
	register func(*peer.Session),
) int {
	cfg := config.Load()
	handshake := protocol.NewHandshake(c.infoHash, c.peerID)

	connected := 0
	for _, addr := range addrs {
		if connected >= cfg.MaxPeersConnected {
			break
		}

		s := peer.NewSession(addr, numPieces, c.log)
		if err := s.Connect(); err != nil {
			c.log.Debug("peer connect failed", "peer", addr, "error", err)
			continue
		}

		if err := s.SendHandshake(handshake); err != nil {
			c.log.Debug("handshake send failed", "peer", addr, "error", err)
			s.Close()
			continue
		}

		register(s)
		connected++
		c.log.Info("peer connected", "peer", addr, "connected", connected)
	}

	return connected
}
