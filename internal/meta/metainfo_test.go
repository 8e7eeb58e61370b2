package meta

import (
	"crypto/sha1"
	"errors"
	"strings"
	"testing"

	"github.com/prxssh/leech/pkg/bencode"
)

func pieceHashes(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		var h [sha1.Size]byte
		h[0] = byte(i)
		b.Write(h[:])
	}
	return b.String()
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()

	b, err := bencode.Marshal(v)
	if err != nil {
		t.Fatalf("bencode.Marshal: %v", err)
	}
	return b
}

func TestParse_SingleFile(t *testing.T) {
	info := map[string]any{
		"name":         "ubuntu.iso",
		"piece length": 262144,
		"pieces":       pieceHashes(3),
		"length":       700000,
	}
	data := mustMarshal(t, map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     info,
	})

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Info.Name != "ubuntu.iso" {
		t.Fatalf("name = %q", m.Info.Name)
	}
	if m.Info.PieceLength != 262144 {
		t.Fatalf("piece length = %d", m.Info.PieceLength)
	}
	if m.PieceCount() != 3 {
		t.Fatalf("pieces = %d, want 3", m.PieceCount())
	}
	if m.Size() != 700000 {
		t.Fatalf("size = %d", m.Size())
	}
	if m.Info.Pieces[1][0] != 1 {
		t.Fatal("piece hash order wrong")
	}

	// Info hash must equal the SHA-1 of the re-encoded info dict.
	want := sha1.Sum(mustMarshal(t, info))
	if m.InfoHash != want {
		t.Fatalf("info hash = %x, want %x", m.InfoHash, want)
	}
}

func TestParse_MultiFileAndTiers(t *testing.T) {
	data := mustMarshal(t, map[string]any{
		"announce": "http://primary.example/announce",
		"announce-list": []any{
			[]any{"udp://a.example:80/announce"},
			[]any{"http://b.example/announce", "http://c.example/announce"},
		},
		"info": map[string]any{
			"name":         "bundle",
			"piece length": 16384,
			"pieces":       pieceHashes(3),
			"files": []any{
				map[string]any{"length": 20480, "path": []any{"a.bin"}},
				map[string]any{"length": 20480, "path": []any{"sub", "b.bin"}},
			},
		},
	})

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Size() != 40960 {
		t.Fatalf("size = %d, want 40960", m.Size())
	}
	if len(m.Info.Files) != 2 {
		t.Fatalf("files = %d", len(m.Info.Files))
	}
	if got := m.Info.Files[1].Path; len(got) != 2 || got[0] != "sub" || got[1] != "b.bin" {
		t.Fatalf("files[1].Path = %v", got)
	}

	tiers := m.Tiers()
	if len(tiers) != 3 {
		t.Fatalf("tiers = %v", tiers)
	}
	if tiers[0][0] != "http://primary.example/announce" {
		t.Fatalf("tier 0 = %v", tiers[0])
	}
	if len(tiers[2]) != 2 {
		t.Fatalf("tier 2 = %v", tiers[2])
	}
}

func TestParse_Errors(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"announce": "http://t.example/announce",
			"info": map[string]any{
				"name":         "x",
				"piece length": 16384,
				"pieces":       pieceHashes(1),
				"length":       100,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr error
	}{
		{
			"missing announce",
			func(d map[string]any) { delete(d, "announce") },
			ErrAnnounceMissing,
		},
		{
			"missing info",
			func(d map[string]any) { delete(d, "info") },
			ErrInfoMissing,
		},
		{
			"ragged pieces",
			func(d map[string]any) {
				d["info"].(map[string]any)["pieces"] = "short"
			},
			ErrPiecesLenInvalid,
		},
		{
			"both layouts",
			func(d map[string]any) {
				d["info"].(map[string]any)["files"] = []any{
					map[string]any{"length": 1, "path": []any{"f"}},
				}
			},
			ErrLayoutInvalid,
		},
		{
			"zero length",
			func(d map[string]any) {
				d["info"].(map[string]any)["length"] = 0
			},
			ErrZeroLength,
		},
		{
			"bad piece length",
			func(d map[string]any) {
				d["info"].(map[string]any)["piece length"] = 0
			},
			ErrPieceLenNonPositive,
		},
	}

	for _, tc := range tests {
		d := valid()
		tc.mutate(d)

		_, err := Parse(mustMarshal(t, d))
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not bencode at all")); err == nil {
		t.Fatal("garbage accepted")
	}
	if _, err := Parse(mustMarshal(t, []any{"top", "level", "list"})); !errors.Is(err, ErrTopLevelNotDict) {
		t.Fatal("non-dict top level accepted")
	}
}
