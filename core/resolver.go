package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentChunkFetches bounds how many chunk requests fastForwardChain
// keeps in flight against a single server at once.
const maxConcurrentChunkFetches = 10

// ChainResolutionMode labels why a particular header was fetched, for
// logging and for deciding whether the header cache is worth warming.
type ChainResolutionMode int

const (
	ModeCatchup ChainResolutionMode = iota
	ModeBackward
	ModeBinary
	ModeFork
	ModeNoFork
)

func (m ChainResolutionMode) String() string {
	switch m {
	case ModeCatchup:
		return "catchup"
	case ModeBackward:
		return "backward"
	case ModeBinary:
		return "binary"
	case ModeFork:
		return "fork"
	case ModeNoFork:
		return "no_fork"
	default:
		return "unknown"
	}
}

const maxForkDeltaBeforeFastForward = 144

// onNewTip runs whenever a new tip notification arrives from the server:
// it clears the header cache, processes the tip against the local chain,
// and fires the post-processing bookkeeping regardless of outcome.
func (i *Interface) onNewTip(ctx context.Context, tipHeader HeaderDict) error {
	i.clearHeadersCache()
	i.cacheHeader(tipHeader)

	i.mu.Lock()
	i.tipHeader = &tipHeader
	i.tip = uint32(tipHeader.Height)
	i.mu.Unlock()

	changed, err := i.processHeaderAtTip(ctx, tipHeader)
	i.clearHeadersCache()
	if err != nil {
		return err
	}

	if changed {
		i.log.WithField("tip", tipHeader.Height).Info("chain advanced")
		i.bus.Emit(EventBlockchainUpdated, i.server)
	}
	i.bus.Emit(EventNetworkUpdated, i.server)
	i.sup.switchUnwantedForkInterface()
	i.sup.switchLaggingInterface()

	if err := i.markReady(tipHeader); err != nil {
		return err
	}
	return nil
}

// markReady resolves the interface's one-shot readiness signal the first
// time a verified tip has been observed.
func (i *Interface) markReady(tipHeader HeaderDict) error {
	select {
	case <-i.readyCh:
		return nil
	default:
	}
	select {
	case <-i.disconnected:
		return NewGracefulDisconnect("connection establishment was too slow")
	default:
	}

	chain, ok := i.sup.store.CheckHeader(tipHeader)
	if !ok {
		chain = i.sup.store.BestChain()
	}
	i.setBlockchain(chain)
	i.readyOnce.Do(func() { close(i.readyCh) })
	return nil
}

// IsConnectedAndReady reports whether the first tip has been verified and
// the interface has not since disconnected.
func (i *Interface) IsConnectedAndReady() bool {
	return i.IsReady()
}

// processHeaderAtTip runs under the supervisor's chain-height-investigation
// lock: it returns false without doing work if the local chain is already
// at or past tip and matches a known chain, else drives the chain forward
// via sync_until.
func (i *Interface) processHeaderAtTip(ctx context.Context, tip HeaderDict) (bool, error) {
	i.sup.bhiLock.Lock()
	defer i.sup.bhiLock.Unlock()

	chain := i.Blockchain()
	if chain != nil && chain.Height() >= tip.Height {
		if _, ok := i.sup.store.CheckHeader(tip); ok {
			return false, nil
		}
	}

	startHeight := int32(0)
	if chain != nil {
		startHeight = chain.Height()
	}
	if err := i.syncUntil(ctx, startHeight, tip.Height); err != nil {
		return false, err
	}
	return true, nil
}

// syncUntil drives the resolver from height toward nextHeight, choosing
// between a bulk fast-forward and single-step resolution depending on how
// far behind the local chain is.
func (i *Interface) syncUntil(ctx context.Context, height, nextHeight int32) error {
	for height <= nextHeight {
		before := height
		if nextHeight > height+maxForkDeltaBeforeFastForward {
			connected, err := i.fastForwardChain(ctx, height, nextHeight)
			if err != nil {
				return err
			}
			if connected == 0 {
				if height <= i.cfg.MaxCheckpoint {
					return NewGracefulDisconnect("server chain conflicts with checkpoints or genesis")
				}
				mode, next, err := i.step(ctx, height)
				if err != nil {
					return err
				}
				_ = mode
				height = next
			} else {
				height += connected
			}
		} else {
			mode, next, err := i.step(ctx, height)
			if err != nil {
				return err
			}
			_ = mode
			height = next
		}
		if height == before {
			return fmt.Errorf("resolver: no progress made syncing from height %d", before)
		}
	}
	return nil
}

// fastForwardChain issues up to 10 concurrent chunk fetches covering
// [height, nextHeight], connecting them in order, and returns the number of
// headers connected beyond height.
func (i *Interface) fastForwardChain(ctx context.Context, height, nextHeight int32) (int32, error) {
	startIndex := int(height) / ChunkSize
	var indices []int
	for idx := startIndex; len(indices) < maxConcurrentChunkFetches; idx++ {
		if int32(idx*ChunkSize) > nextHeight {
			break
		}
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		return 0, nil
	}

	results := make([][]HeaderDict, len(indices))
	sem := semaphore.NewWeighted(maxConcurrentChunkFetches)
	g, gctx := errgroup.WithContext(ctx)
	for pos, idx := range indices {
		pos, idx := pos, idx
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			headers, err := i.getBlockHeaders(gctx, int32(idx*ChunkSize), ChunkSize, ModeCatchup)
			if err != nil {
				return err
			}
			results[pos] = headers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var connected int32
	for pos, idx := range indices {
		headers := results[pos]
		data := make([]byte, 0, len(headers)*HeaderSize)
		for _, h := range headers {
			var buf []byte
			w := byteWriter(&buf)
			if err := h.Raw.Serialize(w); err != nil {
				return connected, NewRequestCorrupted("re-encoding header %d failed", h.Height)
			}
			data = append(data, buf...)
		}
		ok, err := i.sup.store.ConnectChunk(idx, data)
		if err != nil {
			return connected, err
		}
		if !ok {
			break
		}
		chunkStart := int32(idx * ChunkSize)
		chunkEnd := chunkStart + int32(len(headers))
		if chunkStart < height {
			connected += chunkEnd - height
		} else {
			connected += int32(len(headers))
		}
	}
	if connected < 0 {
		connected = 0
	}
	return connected, nil
}

// step resolves a single height: adopt a matching or connectable chain, or
// fall back to backward/binary/fork search.
func (i *Interface) step(ctx context.Context, height int32) (ChainResolutionMode, int32, error) {
	top := height + ChunkSize - 1
	if int32(i.tip) < top {
		top = int32(i.tip)
	}
	if top >= height {
		if err := i.warmHeadersCache(ctx, height, top, ModeCatchup); err != nil {
			return ModeCatchup, height, err
		}
	}

	header, err := i.getBlockHeader(ctx, height, ModeCatchup)
	if err != nil {
		return ModeCatchup, height, err
	}

	if chain, ok := i.sup.store.CheckHeader(header); ok {
		i.setBlockchain(chain)
		return ModeCatchup, height + 1, nil
	}
	if chain, ok := i.sup.store.CanConnect(header, true); ok {
		i.setBlockchain(chain)
		if err := i.sup.store.SaveHeader(chain, header); err != nil {
			return ModeCatchup, height, err
		}
		return ModeCatchup, height + 1, nil
	}

	good, bad, goodHeader, badHeader, err := i.searchHeadersBackwards(ctx, height, header)
	if err != nil {
		return ModeBackward, height, err
	}

	// Re-derive the outcome at good exactly as the top-of-step check above
	// did for height: if the header at good can_connect, there was no fork at
	// all — it is simply the next header after the local chain's tip, and
	// saving it advances the chain one step. Binary search only has work to
	// do otherwise.
	if chain, ok := i.sup.store.CheckHeader(goodHeader); ok {
		i.setBlockchain(chain)
	}
	if chain, ok := i.sup.store.CanConnect(goodHeader, true); ok {
		i.setBlockchain(chain)
		if err := i.sup.store.SaveHeader(chain, goodHeader); err != nil {
			return ModeCatchup, good, err
		}
		return ModeCatchup, good + 1, nil
	}

	good, bad, badHeader, err = i.searchHeadersBinary(ctx, good, bad, badHeader)
	if err != nil {
		return ModeBinary, height, err
	}
	mode, next, err := i.resolvePotentialChainForkGivenForkpoint(good, bad, badHeader)
	return mode, next, err
}

// searchHeadersBackwards exponentially widens its probe distance until it
// finds a height whose header is known-good, bracketing the bad region
// between that height and the original bad header.
func (i *Interface) searchHeadersBackwards(ctx context.Context, height int32, badHeader HeaderDict) (good, bad int32, goodHeader, returnedBad HeaderDict, err error) {
	maxKnown := i.sup.store.MaxHeightAmongChains()
	probeHeight := height - 1
	if maxKnown+1 < probeHeight {
		probeHeight = maxKnown + 1
	}

	bad = height
	returnedBad = badHeader
	delta := int32(2)
	for {
		lo := probeHeight - 10
		if lo < 0 {
			lo = 0
		}
		if lo <= probeHeight {
			if err := i.warmHeadersCache(ctx, lo, probeHeight, ModeBackward); err != nil {
				return 0, 0, HeaderDict{}, HeaderDict{}, err
			}
		}

		header, err := i.getBlockHeader(ctx, probeHeight, ModeBackward)
		if err != nil {
			return 0, 0, HeaderDict{}, HeaderDict{}, err
		}
		if _, ok := i.sup.store.CheckHeader(header); ok {
			return probeHeight, bad, header, returnedBad, nil
		}
		if _, ok := i.sup.store.CanConnect(header, true); ok {
			return probeHeight, bad, header, returnedBad, nil
		}

		bad = probeHeight
		returnedBad = header

		if probeHeight <= i.cfg.MaxCheckpoint {
			return 0, 0, HeaderDict{}, HeaderDict{}, NewGracefulDisconnect("server chain conflicts with checkpoints")
		}

		probeHeight -= delta
		if probeHeight < i.cfg.MaxCheckpoint {
			probeHeight = i.cfg.MaxCheckpoint
		}
		delta *= 2
	}
}

// searchHeadersBinary narrows [good, bad) to a single forkpoint candidate.
// Precondition: badHeader does not check against any known chain.
func (i *Interface) searchHeadersBinary(ctx context.Context, good, bad int32, badHeader HeaderDict) (int32, int32, HeaderDict, error) {
	for good+1 != bad {
		mid := (good + bad) / 2
		if bad-good+1 <= ChunkSize {
			if err := i.warmHeadersCache(ctx, good, bad, ModeBinary); err != nil {
				return 0, 0, HeaderDict{}, err
			}
		}
		header, err := i.getBlockHeader(ctx, mid, ModeBinary)
		if err != nil {
			return 0, 0, HeaderDict{}, err
		}
		if chain, ok := i.sup.store.CheckHeader(header); ok {
			good = mid
			i.setBlockchain(chain)
		} else {
			bad = mid
			badHeader = header
		}
	}
	return good, bad, badHeader, nil
}

// resolvePotentialChainForkGivenForkpoint finalizes the outcome of a
// binary search that bracketed good+1 == bad.
func (i *Interface) resolvePotentialChainForkGivenForkpoint(good, bad int32, badHeader HeaderDict) (ChainResolutionMode, int32, error) {
	chain := i.Blockchain()
	if chain != nil && chain.Height() == good {
		return ModeNoFork, good + 1, nil
	}
	newChain, err := i.sup.store.Fork(badHeader)
	if err != nil {
		return ModeFork, good, err
	}
	if newChain.Forkpoint() != bad {
		return ModeFork, good, fmt.Errorf("resolver: forked chain forkpoint %d does not match bracketed bad height %d", newChain.Forkpoint(), bad)
	}
	i.setBlockchain(newChain)
	return ModeFork, bad + 1, nil
}

// --- header cache ---

func (i *Interface) cachedHeader(height int32) ([]byte, bool) {
	return i.headersCache.Get(height)
}

func (i *Interface) cacheHeader(h HeaderDict) {
	var buf []byte
	w := byteWriter(&buf)
	if err := h.Raw.Serialize(w); err != nil {
		return
	}
	i.headersCache.Add(h.Height, buf)
}

func (i *Interface) clearHeadersCache() {
	i.headersCache.Purge()
}

// warmHeadersCache asserts the requested span is smaller than a chunk,
// short-circuits if every height in [from, to] is already cached, and
// otherwise issues one batch request to populate it.
func (i *Interface) warmHeadersCache(ctx context.Context, from, to int32, mode ChainResolutionMode) error {
	if to-from >= ChunkSize {
		return fmt.Errorf("resolver: cache warm span [%d,%d] is not smaller than a chunk", from, to)
	}
	if to < from {
		return nil
	}
	if i.allCached(from, to) {
		return nil
	}
	headers, err := i.getBlockHeaders(ctx, from, int(to-from+1), mode)
	if err != nil {
		return err
	}
	for _, h := range headers {
		i.cacheHeader(h)
	}
	return nil
}

func (i *Interface) allCached(from, to int32) bool {
	for h := from; h <= to; h++ {
		if _, ok := i.headersCache.Peek(h); !ok {
			return false
		}
	}
	return true
}
