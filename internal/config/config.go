package config

import (
	"crypto/sha1"
	"strconv"
	"sync/atomic"
	"time"
)

// PiecePickStrategy enumerates piece selection policies the request loop can
// apply.
type PiecePickStrategy uint8

const (
	// PiecePickInOrder walks pieces in ascending index order.
	PiecePickInOrder PiecePickStrategy = iota

	// PiecePickRarestFirst prioritizes pieces with the lowest swarm
	// availability. Present but not selected by default.
	PiecePickRarestFirst
)

// Config defines behavior and resource limits for a download.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is the directory the content root (info.name) is
	// created under. Defaults to the working directory.
	DownloadDir string

	// ClientID is the 20-byte peer id announced to trackers and peers.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// DialTimeout bounds the TCP connect to a peer.
	DialTimeout time.Duration

	// HTTPTrackerTimeout bounds a whole HTTP announce round trip.
	HTTPTrackerTimeout time.Duration

	// UDPTrackerTimeout bounds each UDP tracker exchange.
	UDPTrackerTimeout time.Duration

	// AnnouncePort is the TCP port advertised to HTTP trackers.
	AnnouncePort uint16

	// UDPAnnouncePort is the port advertised in UDP announces.
	UDPAnnouncePort uint16

	// ========== Swarm limits ==========

	// MaxPeersScrape caps how many candidate addresses the tracker
	// scrape accumulates before it stops walking announce URLs.
	MaxPeersScrape int

	// MaxPeersConnected caps how many candidates are actually dialed
	// into live sessions.
	MaxPeersConnected int

	// ========== Scheduling ==========

	// PickStrategy chooses how the request loop ranks eligible pieces.
	PickStrategy PiecePickStrategy

	// PendingTimeout is how long a requested block may stay pending
	// before it is recycled and re-requested.
	PendingTimeout time.Duration

	// RequestCooldown is the minimum gap between two requests sent to
	// the same peer.
	RequestCooldown time.Duration

	// RequestTick paces the request loop.
	RequestTick time.Duration

	// NoPeersBackoff is how long the request loop sleeps when no remote
	// has unchoked us yet.
	NoPeersBackoff time.Duration

	// IOWait is the upper bound on one readiness pass over the peer
	// sockets.
	IOWait time.Duration

	// KeepAliveInterval is how long a session may stay write-idle before
	// a keep-alive frame is sent.
	KeepAliveInterval time.Duration
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DownloadDir:        ".",
		DialTimeout:        2 * time.Second,
		HTTPTrackerTimeout: 5 * time.Second,
		UDPTrackerTimeout:  4 * time.Second,
		AnnouncePort:       6881,
		UDPAnnouncePort:    8000,
		MaxPeersScrape:     30,
		MaxPeersConnected:  8,
		PickStrategy:       PiecePickInOrder,
		PendingTimeout:     5 * time.Second,
		RequestCooldown:    200 * time.Millisecond,
		RequestTick:        100 * time.Millisecond,
		NoPeersBackoff:     time.Second,
		IOWait:             time.Second,
		KeepAliveInterval:  90 * time.Second,
	}
}

var current atomic.Pointer[Config]

// Init installs the default configuration with a freshly derived client id.
func Init() error {
	cfg := Default()
	cfg.ClientID = GeneratePeerID(time.Now())

	current.Store(&cfg)
	return nil
}

// Load returns the current configuration snapshot. Callers must not mutate
// the snapshot; use Swap for changes.
func Load() *Config {
	if c := current.Load(); c != nil {
		return c
	}

	cfg := Default()
	return &cfg
}

// Swap replaces the current configuration wholesale. Intended for startup
// and tests.
func Swap(cfg Config) {
	current.Store(&cfg)
}

// GeneratePeerID derives the 20-byte peer id from the client start time.
func GeneratePeerID(at time.Time) [sha1.Size]byte {
	seed := strconv.FormatInt(at.UnixNano(), 10)
	return sha1.Sum([]byte(seed))
}
