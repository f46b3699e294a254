package core

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func newTestInterface(t *testing.T) (*Interface, *MemoryStore) {
	t.Helper()
	genesis := chainhash.Hash{}
	store := NewMemoryStore(genesis)
	cfg := DefaultConfig(t.TempDir())
	sup := NewSupervisor(cfg, store, NewEventBus())
	server, err := NewServerAddr("example.com", 50002, ProtocolTLS)
	if err != nil {
		t.Fatalf("NewServerAddr: %v", err)
	}
	iface := NewInterface(sup, server)
	t.Cleanup(iface.cancel)
	return iface, store
}

func TestChainResolutionModeString(t *testing.T) {
	cases := map[ChainResolutionMode]string{
		ModeCatchup:  "catchup",
		ModeBackward: "backward",
		ModeBinary:   "binary",
		ModeFork:     "fork",
		ModeNoFork:   "no_fork",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Fatalf("%v.String() = %q, want %q", int(mode), got, want)
		}
	}
	if got := ChainResolutionMode(99).String(); got != "unknown" {
		t.Fatalf("unknown mode String() = %q, want %q", got, "unknown")
	}
}

func TestInterfaceHeaderCacheRoundTrip(t *testing.T) {
	iface, _ := newTestInterface(t)

	headers := buildHeaderChain(chainhash.Hash{}, 10, 3)
	for _, h := range headers {
		iface.cacheHeader(h)
	}

	if !iface.allCached(10, 12) {
		t.Fatal("expected heights 10-12 to be fully cached")
	}
	if iface.allCached(10, 13) {
		t.Fatal("expected height 13 (never cached) to break allCached")
	}

	raw, ok := iface.cachedHeader(11)
	if !ok {
		t.Fatal("expected cached header at height 11")
	}
	if len(raw) != HeaderSize {
		t.Fatalf("cached header length = %d, want %d", len(raw), HeaderSize)
	}

	iface.clearHeadersCache()
	if _, ok := iface.cachedHeader(11); ok {
		t.Fatal("expected clearHeadersCache to purge all entries")
	}
}

func TestIsReadyBeforeMarkReady(t *testing.T) {
	iface, _ := newTestInterface(t)
	if iface.IsReady() {
		t.Fatal("expected a freshly constructed interface to not be ready")
	}
}

func TestMarkReadyResolvesReadiness(t *testing.T) {
	iface, store := newTestInterface(t)
	chain := store.MainChain()
	headers := buildHeaderChain(chainhash.Hash{}, 1, 1)
	if err := store.SaveHeader(chain, headers[0]); err != nil {
		t.Fatalf("SaveHeader: %v", err)
	}

	if err := iface.markReady(headers[0]); err != nil {
		t.Fatalf("markReady: %v", err)
	}
	if !iface.IsReady() {
		t.Fatal("expected interface to report ready after markReady")
	}
	if iface.Blockchain() != chain {
		t.Fatal("expected markReady to adopt the chain owning the verified tip")
	}

	// A second call must be a no-op (readyOnce) rather than re-adopting or erroring.
	if err := iface.markReady(headers[0]); err != nil {
		t.Fatalf("second markReady: %v", err)
	}
}

func TestMarkReadyFailsAfterDisconnect(t *testing.T) {
	iface, store := newTestInterface(t)
	iface.disconnectOnce.Do(func() { close(iface.disconnected) })

	header := buildHeaderChain(chainhash.Hash{}, 1, 1)[0]
	_ = store
	if err := iface.markReady(header); err == nil {
		t.Fatal("expected markReady to fail once the interface has disconnected")
	}
}

func TestResolvePotentialChainForkGivenForkpointNoFork(t *testing.T) {
	iface, store := newTestInterface(t)
	chain := store.MainChain()
	headers := buildHeaderChain(chainhash.Hash{}, 1, 3)
	for _, h := range headers {
		if err := store.SaveHeader(chain, h); err != nil {
			t.Fatalf("SaveHeader: %v", err)
		}
	}
	iface.setBlockchain(chain)

	mode, next, err := iface.resolvePotentialChainForkGivenForkpoint(3, 4, HeaderDict{})
	if err != nil {
		t.Fatalf("resolvePotentialChainForkGivenForkpoint: %v", err)
	}
	if mode != ModeNoFork || next != 4 {
		t.Fatalf("got mode=%v next=%d, want ModeNoFork/4", mode, next)
	}
}

func TestResolvePotentialChainForkGivenForkpointForks(t *testing.T) {
	iface, store := newTestInterface(t)
	chain := store.MainChain()
	headers := buildHeaderChain(chainhash.Hash{}, 1, 5)
	for _, h := range headers {
		if err := store.SaveHeader(chain, h); err != nil {
			t.Fatalf("SaveHeader: %v", err)
		}
	}
	iface.setBlockchain(chain)

	badHeader := buildHeaderChain(headers[2].Hash(), 4, 1)[0]
	badHeader.Raw.Nonce = 777

	mode, next, err := iface.resolvePotentialChainForkGivenForkpoint(3, 4, badHeader)
	if err != nil {
		t.Fatalf("resolvePotentialChainForkGivenForkpoint: %v", err)
	}
	if mode != ModeFork || next != 5 {
		t.Fatalf("got mode=%v next=%d, want ModeFork/5", mode, next)
	}
	if iface.Blockchain().Forkpoint() != 4 {
		t.Fatalf("expected the interface to adopt the newly forked chain")
	}
}

func TestWarmHeadersCacheRejectsSpanTooWide(t *testing.T) {
	iface, _ := newTestInterface(t)
	err := iface.warmHeadersCache(nil, 0, ChunkSize, ModeCatchup) //nolint:staticcheck // pure validation path never reaches ctx use
	if err == nil {
		t.Fatal("expected warmHeadersCache to reject a span of ChunkSize or more")
	}
}

func TestWarmHeadersCacheShortCircuitsWhenFullyCached(t *testing.T) {
	iface, _ := newTestInterface(t)
	headers := buildHeaderChain(chainhash.Hash{}, 0, 5)
	for _, h := range headers {
		iface.cacheHeader(h)
	}
	// ctx is never touched when every requested height is already cached.
	if err := iface.warmHeadersCache(nil, 0, 4, ModeCatchup); err != nil {
		t.Fatalf("warmHeadersCache: %v", err)
	}
}

// TestStepAdoptsDirectExtensionWithoutBinarySearch covers the case where
// backward search brackets a single missing header (good+1 == bad) and that
// header at good directly extends the chain's current tip. step must adopt
// and save it as a plain catchup advance rather than routing it through
// binary search and fork resolution. Every header step/searchHeadersBackwards
// touches is pre-seeded into the interface's header cache so the call chain
// never reaches the network.
func TestStepAdoptsDirectExtensionWithoutBinarySearch(t *testing.T) {
	iface, store := newTestInterface(t)
	chain := store.MainChain()

	headers := buildHeaderChain(chainhash.Hash{}, 0, 8) // heights 0..7
	for _, h := range headers[:6] {                     // store only knows 0..5
		if err := store.SaveHeader(chain, h); err != nil {
			t.Fatalf("SaveHeader: %v", err)
		}
	}
	for _, h := range headers { // interface has already fetched 0..7
		iface.cacheHeader(h)
	}
	iface.tip = 7

	mode, next, err := iface.step(nil, 7) //nolint:staticcheck // every lookup hits the pre-seeded cache
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if mode != ModeCatchup {
		t.Fatalf("mode = %v, want ModeCatchup (no fork search should have been needed)", mode)
	}
	if next != 7 {
		t.Fatalf("next = %d, want 7 (good+1, where good=6)", next)
	}
	if got := chain.Height(); got != 6 {
		t.Fatalf("chain height = %d, want 6 (the connecting header at good should have been saved)", got)
	}
	if iface.Blockchain() != chain {
		t.Fatal("expected step to adopt the chain the connecting header extends")
	}
}

