package core

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// buildHeaderChain returns n headers starting at startHeight, each
// connecting to the previous one's hash.
func buildHeaderChain(prev chainhash.Hash, startHeight int32, n int) []HeaderDict {
	out := make([]HeaderDict, n)
	for i := 0; i < n; i++ {
		h := wire.BlockHeader{
			Version:    1,
			PrevBlock:  prev,
			MerkleRoot: chainhash.Hash{byte(i + 1)},
			Timestamp:  time.Unix(int64(1231006505+i), 0),
			Bits:       0x1d00ffff,
			Nonce:      uint32(i),
		}
		hd := HeaderDict{Raw: h, Height: startHeight + int32(i)}
		out[i] = hd
		prev = hd.Hash()
	}
	return out
}

func serializeHeaders(headers []HeaderDict) []byte {
	data := make([]byte, 0, len(headers)*HeaderSize)
	for _, h := range headers {
		var buf []byte
		w := byteWriter(&buf)
		if err := h.Raw.Serialize(w); err != nil {
			panic(err)
		}
		data = append(data, buf...)
	}
	return data
}

func TestMemoryStoreSaveAndCheckHeader(t *testing.T) {
	genesis := chainhash.Hash{}
	store := NewMemoryStore(genesis)
	chain := store.MainChain()

	headers := buildHeaderChain(genesis, 1, 3)
	for _, h := range headers {
		if err := store.SaveHeader(chain, h); err != nil {
			t.Fatalf("SaveHeader: %v", err)
		}
	}

	if got, want := store.Height(), int32(3); got != want {
		t.Fatalf("Height() = %d, want %d", got, want)
	}
	if c, ok := store.CheckHeader(headers[0]); !ok || c != chain {
		t.Fatalf("expected CheckHeader to find header at height 1 on main chain")
	}
}

func TestMemoryStoreCanConnect(t *testing.T) {
	genesis := chainhash.Hash{}
	store := NewMemoryStore(genesis)
	chain := store.MainChain()
	headers := buildHeaderChain(genesis, 1, 1)
	if err := store.SaveHeader(chain, headers[0]); err != nil {
		t.Fatalf("SaveHeader: %v", err)
	}

	next := buildHeaderChain(headers[0].Hash(), 2, 1)[0]
	c, ok := store.CanConnect(next, true)
	if !ok || c != chain {
		t.Fatal("expected next header to connect to the main chain")
	}

	bogus := buildHeaderChain(chainhash.Hash{0xff}, 2, 1)[0]
	if _, ok := store.CanConnect(bogus, true); ok {
		t.Fatal("expected header with unknown prevblock to not connect")
	}
}

func TestMemoryStoreConnectChunk(t *testing.T) {
	genesis := chainhash.Hash{}
	store := NewMemoryStore(genesis)
	headers := buildHeaderChain(genesis, 0, ChunkSize)
	data := serializeHeaders(headers)

	ok, err := store.ConnectChunk(0, data)
	if err != nil {
		t.Fatalf("ConnectChunk: %v", err)
	}
	if !ok {
		t.Fatal("expected chunk 0 starting at genesis to connect")
	}
	if got, want := store.Height(), int32(ChunkSize-1); got != want {
		t.Fatalf("Height() = %d, want %d", got, want)
	}

	if _, err := store.ConnectChunk(0, data[:len(data)-1]); err == nil {
		t.Fatal("expected non-multiple-of-HeaderSize data to error")
	}
}

func TestMemoryStoreConnectChunkRejectsDisconnected(t *testing.T) {
	genesis := chainhash.Hash{}
	store := NewMemoryStore(genesis)
	headers := buildHeaderChain(chainhash.Hash{0xaa}, ChunkSize, ChunkSize)
	data := serializeHeaders(headers)

	ok, err := store.ConnectChunk(1, data)
	if err != nil {
		t.Fatalf("ConnectChunk: %v", err)
	}
	if ok {
		t.Fatal("expected chunk disconnected from any known chain to fail to connect")
	}
}

func TestMemoryStoreFork(t *testing.T) {
	genesis := chainhash.Hash{}
	store := NewMemoryStore(genesis)
	chain := store.MainChain()
	headers := buildHeaderChain(genesis, 1, 5)
	for _, h := range headers {
		if err := store.SaveHeader(chain, h); err != nil {
			t.Fatalf("SaveHeader: %v", err)
		}
	}

	forkHeader := buildHeaderChain(headers[2].Hash(), 4, 1)[0]
	forkHeader.Raw.Nonce = 99 // distinguish from the main chain's height-4 header

	forked, err := store.Fork(forkHeader)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if forked.Forkpoint() != 4 {
		t.Fatalf("Forkpoint() = %d, want 4", forked.Forkpoint())
	}
	if forked.Height() != 4 {
		t.Fatalf("forked chain height = %d, want 4", forked.Height())
	}

	if h, ok := forked.headerAt(2); !ok || h.Hash() != headers[1].Hash() {
		t.Fatal("expected forked chain to inherit headers below its forkpoint from its parent")
	}

	best := store.BestChain()
	if best != chain {
		t.Fatalf("expected the longer original chain to remain best")
	}
}

func TestMemoryStoreMaxHeightAmongChains(t *testing.T) {
	genesis := chainhash.Hash{}
	store := NewMemoryStore(genesis)
	chain := store.MainChain()
	headers := buildHeaderChain(genesis, 1, 5)
	for _, h := range headers {
		if err := store.SaveHeader(chain, h); err != nil {
			t.Fatalf("SaveHeader: %v", err)
		}
	}
	if got, want := store.MaxHeightAmongChains(), int32(5); got != want {
		t.Fatalf("MaxHeightAmongChains() = %d, want %d", got, want)
	}
}
