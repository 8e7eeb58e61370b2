package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/peer"
	"github.com/prxssh/leech/internal/protocol"
	"github.com/prxssh/leech/pkg/bencode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIDs() (info, id [sha1.Size]byte) {
	copy(info[:], "info_hash_0123456789")
	copy(id[:], "peer_id_000000000000")
	return
}

func compactPeers(addrs ...netip.AddrPort) string {
	var b []byte
	for _, a := range addrs {
		ip := a.Addr().As4()
		b = append(b, ip[:]...)
		b = binary.BigEndian.AppendUint16(b, a.Port())
	}
	return string(b)
}

func TestParseHTTPResponse_Compact(t *testing.T) {
	peers := compactPeers(
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 1, 2, 3}), 6881),
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 1, 2, 4}), 6882),
	)

	body, err := bencode.Marshal(map[string]any{
		"interval": 1800,
		"peers":    peers,
	})
	if err != nil {
		t.Fatalf("bencode.Marshal: %v", err)
	}

	got, err := parseHTTPResponse(body)
	if err != nil {
		t.Fatalf("parseHTTPResponse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("peers = %v, want 2 entries", got)
	}
	if got[0].Port() != 6881 || got[1].Port() != 6882 {
		t.Fatalf("ports = %d,%d", got[0].Port(), got[1].Port())
	}
}

func TestParseHTTPResponse_DictForm(t *testing.T) {
	body, err := bencode.Marshal(map[string]any{
		"interval": 1800,
		"peers": []any{
			map[string]any{"ip": "10.9.8.7", "port": 51413},
			map[string]any{"ip": "10.9.8.6", "port": 6881},
		},
	})
	if err != nil {
		t.Fatalf("bencode.Marshal: %v", err)
	}

	got, err := parseHTTPResponse(body)
	if err != nil {
		t.Fatalf("parseHTTPResponse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("peers = %v, want 2 entries", got)
	}
	want := netip.AddrPortFrom(netip.MustParseAddr("10.9.8.7"), 51413)
	if got[0] != want {
		t.Fatalf("peer[0] = %v, want %v", got[0], want)
	}
}

func TestParseHTTPResponse_FailureReason(t *testing.T) {
	body, err := bencode.Marshal(map[string]any{
		"failure reason": "torrent not registered",
	})
	if err != nil {
		t.Fatalf("bencode.Marshal: %v", err)
	}

	if _, err := parseHTTPResponse(body); err == nil {
		t.Fatal("failure reason not surfaced as error")
	}
}

func TestScrape_HTTPAnnounceParams(t *testing.T) {
	info, id := testIDs()

	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k, v := range r.URL.Query() {
			gotQuery[k] = v[0]
		}

		body, _ := bencode.Marshal(map[string]any{
			"interval": 900,
			"peers": compactPeers(
				netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 9}), 7000),
			),
		})
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient([][]string{{srv.URL}}, info, id, discardLogger())

	addrs := c.Scrape(context.Background(), &AnnounceParams{
		Uploaded:   10,
		Downloaded: 20,
		Left:       30,
		Event:      "started",
	})

	if len(addrs) != 1 {
		t.Fatalf("candidates = %v, want 1", addrs)
	}
	if addrs[0].Port() != 7000 {
		t.Fatalf("candidate = %v", addrs[0])
	}

	cfg := config.Load()
	want := map[string]string{
		"info_hash":  string(info[:]),
		"peer_id":    string(id[:]),
		"uploaded":   "10",
		"downloaded": "20",
		"left":       "30",
		"port":       strconv.Itoa(int(cfg.AnnouncePort)),
		"event":      "started",
	}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Fatalf("query %q = %q, want %q", k, gotQuery[k], v)
		}
	}
}

func TestScrape_DeduplicatesAcrossTrackers(t *testing.T) {
	info, id := testIDs()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{
			"interval": 900,
			"peers": compactPeers(
				netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 1}), 7000),
			),
		})
		w.Write(body)
	})

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	c := NewClient([][]string{{srv1.URL}, {srv2.URL}}, info, id, discardLogger())

	addrs := c.Scrape(context.Background(), &AnnounceParams{Event: "started"})
	if len(addrs) != 1 {
		t.Fatalf("candidates = %v, want the duplicate collapsed", addrs)
	}
}

// fakeUDPTracker answers one connect and one announce on a loopback socket.
func fakeUDPTracker(t *testing.T, peers []netip.AddrPort) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	const connID = 0x1122334455667788

	go func() {
		buf := make([]byte, 4096)

		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 16 {
				continue
			}

			action := binary.BigEndian.Uint32(buf[8:12])
			txID := binary.BigEndian.Uint32(buf[12:16])

			switch action {
			case protocol.ActionConnect:
				if binary.BigEndian.Uint64(buf[0:8]) != protocol.ConnectMagic {
					continue
				}

				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], protocol.ActionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], connID)
				conn.WriteToUDP(resp, remote)

			case protocol.ActionAnnounce:
				if binary.BigEndian.Uint64(buf[0:8]) != connID {
					continue
				}

				resp := make([]byte, 20)
				binary.BigEndian.PutUint32(resp[0:4], protocol.ActionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 1)
				binary.BigEndian.PutUint32(resp[16:20], 2)
				for _, p := range peers {
					ip := p.Addr().As4()
					resp = append(resp, ip[:]...)
					resp = binary.BigEndian.AppendUint16(resp, p.Port())
				}
				conn.WriteToUDP(resp, remote)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestScrape_UDPHandshakeAndAnnounce(t *testing.T) {
	info, id := testIDs()

	wantPeer := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 5, 5, 5}), 9000)
	addr := fakeUDPTracker(t, []netip.AddrPort{wantPeer})

	u := "udp://127.0.0.1:" + strconv.Itoa(addr.Port)
	c := NewClient([][]string{{u}}, info, id, discardLogger())

	addrs := c.Scrape(context.Background(), &AnnounceParams{Left: 100})
	if len(addrs) != 1 || addrs[0] != wantPeer {
		t.Fatalf("candidates = %v, want [%v]", addrs, wantPeer)
	}
}

func TestConnectPeers_HandshakeAndCap(t *testing.T) {
	info, id := testIDs()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, protocol.HandshakeLen)
				conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				n, _ := conn.Read(buf)
				received <- buf[:n]
			}(conn)
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := netip.AddrPortFrom(
		netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		uint16(tcpAddr.Port),
	)

	// One dead port, then the reachable candidate twice; with a cap of one
	// the repeat must not be dialed.
	dead := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 1)

	cfg := config.Default()
	cfg.MaxPeersConnected = 1
	config.Swap(cfg)
	t.Cleanup(func() { config.Swap(config.Default()) })

	c := NewClient(nil, info, id, discardLogger())

	var registered []*peer.Session
	n := c.ConnectPeers(
		[]netip.AddrPort{dead, addr, addr},
		4,
		func(s *peer.Session) { registered = append(registered, s) },
	)

	if n != 1 || len(registered) != 1 {
		t.Fatalf("connected = %d registered = %d, want 1/1", n, len(registered))
	}
	if registered[0].Addr() != addr {
		t.Fatalf("registered addr = %v, want %v", registered[0].Addr(), addr)
	}

	select {
	case hs := <-received:
		var h protocol.Handshake
		if err := h.UnmarshalBinary(hs); err != nil {
			t.Fatalf("remote got bad handshake: %v", err)
		}
		if h.InfoHash != info || h.PeerID != id {
			t.Fatal("handshake identity mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote never received the handshake")
	}
}
