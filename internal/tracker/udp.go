package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/protocol"
)

const maxUDPPacket = 4096

// udpAnnounce performs the two-step UDP tracker exchange: connect, then
// announce with the returned connection id. Trackers resolving to a private
// address are skipped.
func (c *Client) udpAnnounce(
	ctx context.Context,
	u *url.URL,
	params *AnnounceParams,
) ([]netip.AddrPort, error) {
	cfg := config.Load()

	addr, err := net.ResolveUDPAddr("udp4", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve %s: %w", u.Host, err)
	}

	if ip, ok := netip.AddrFromSlice(addr.IP); ok && ip.Unmap().IsPrivate() {
		c.log.Debug("skipping private tracker address", "addr", addr)
		return nil, nil
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(cfg.UDPTrackerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}

	return c.udpAnnounceWithConn(conn, connID, params)
}

// udpConnect sends the magic connect request and returns the tracker's
// connection id. The response must echo the transaction id with action 0.
func udpConnect(conn *net.UDPConn) (uint64, error) {
	txID, err := randU32()
	if err != nil {
		return 0, err
	}

	req := protocol.ConnectRequest{TransactionID: txID}
	packet, err := req.MarshalBinary()
	if err != nil {
		return 0, err
	}
	if _, err := conn.Write(packet); err != nil {
		return 0, fmt.Errorf("tracker: udp connect: %w", err)
	}

	buf := make([]byte, maxUDPPacket)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("tracker: udp connect read: %w", err)
	}

	resp, err := protocol.UnmarshalConnectResponse(buf[:n], txID)
	if err != nil {
		return 0, err
	}

	return resp.ConnectionID, nil
}

func (c *Client) udpAnnounceWithConn(
	conn *net.UDPConn,
	connID uint64,
	params *AnnounceParams,
) ([]netip.AddrPort, error) {
	cfg := config.Load()

	txID, err := randU32()
	if err != nil {
		return nil, err
	}

	req := protocol.AnnounceRequest{
		ConnectionID:  connID,
		TransactionID: txID,
		InfoHash:      c.infoHash,
		PeerID:        c.peerID,
		Downloaded:    params.Downloaded,
		Left:          params.Left,
		Uploaded:      params.Uploaded,
		NumWant:       -1,
		Port:          cfg.UDPAnnouncePort,
	}
	packet, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(packet); err != nil {
		return nil, fmt.Errorf("tracker: udp announce: %w", err)
	}

	buf := make([]byte, maxUDPPacket)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tracker: udp announce read: %w", err)
	}

	resp, err := protocol.UnmarshalAnnounceResponse(buf[:n], txID)
	if err != nil {
		return nil, err
	}

	c.log.Debug("udp announce",
		"seeders", resp.Seeders,
		"leechers", resp.Leechers,
		"peers", len(resp.Peers),
	)

	return resp.Peers, nil
}

func randU32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b[:]), nil
}
