package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/protocol"
	"github.com/prxssh/leech/pkg/bencode"
	"github.com/prxssh/leech/pkg/cast"
)

const maxTrackerResponseSize = 2 << 20 // 2 MiB

// httpAnnounce performs one HTTP(S) announce round trip and returns the
// peer addresses from the response.
func (c *Client) httpAnnounce(
	ctx context.Context,
	base *url.URL,
	params *AnnounceParams,
) ([]netip.AddrPort, error) {
	cfg := config.Load()

	u := *base
	q := u.Query()
	q.Set("info_hash", string(c.infoHash[:]))
	q.Set("peer_id", string(c.peerID[:]))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("port", strconv.Itoa(int(cfg.AnnouncePort)))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	if params.Event != "" {
		q.Set("event", params.Event)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: cfg.HTTPTrackerTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf(
			"tracker: announce returned status %d: %s",
			resp.StatusCode, string(body),
		)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	return parseHTTPResponse(data)
}

// parseHTTPResponse decodes a bencoded announce response. The 'peers' value
// is either a list of {ip, port} dicts or a compact byte string of 6-byte
// records.
func parseHTTPResponse(data []byte) ([]netip.AddrPort, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce expected dict, got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}

	peersVal, ok := dict["peers"]
	if !ok {
		return nil, nil
	}

	switch peers := peersVal.(type) {
	case string:
		return protocol.DecodeCompactPeers([]byte(peers))
	case []any:
		return parseDictPeers(peers)
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", peersVal)
	}
}

func parseDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] not a dict", i)
		}

		ipStr, err := cast.ToString(m["ip"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d]: %w", i, err)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d]: bad ip %q: %w", i, ipStr, err)
		}

		port, err := cast.ToInt(m["port"])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}
