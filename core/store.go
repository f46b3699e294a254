package core

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderDict is a parsed block header record carrying at least the fields
// check_header/can_connect need. Chain resolution consults the block hash,
// PrevBlock and Height; Raw preserves the original wire.BlockHeader for
// re-serialization.
type HeaderDict struct {
	Raw    wire.BlockHeader
	Height int32
}

// Hash returns the header's block hash.
func (h HeaderDict) Hash() chainhash.Hash { return h.Raw.BlockHash() }

// Chain is a persistent sequence of connected headers tracked by the store.
// A chain may be the main chain or a fork branch produced by Fork.
type Chain struct {
	mu         sync.RWMutex
	id         int
	forkpoint  int32 // height at which this chain diverges from its parent (0 for the root chain)
	parent     *Chain
	headers    map[int32]HeaderDict // height -> header, sparse above forkpoint for fork branches
	tipHeight  int32
}

// Height returns the chain's current tip height.
func (c *Chain) Height() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHeight
}

// Forkpoint returns the height at which this chain diverges from its parent.
func (c *Chain) Forkpoint() int32 { return c.forkpoint }

// headerAt returns the header this chain has at height, checking parents
// below the forkpoint.
func (c *Chain) headerAt(height int32) (HeaderDict, bool) {
	c.mu.RLock()
	h, ok := c.headers[height]
	parent := c.parent
	fp := c.forkpoint
	c.mu.RUnlock()
	if ok {
		return h, true
	}
	if parent != nil && height < fp {
		return parent.headerAt(height)
	}
	return HeaderDict{}, false
}

// BlockchainStore is the persistent data structure representing known
// chain(s): check_header, can_connect, connect_chunk, fork, height,
// save_header, and a registry of forks.
//
// All methods are safe to call while the caller holds the supervisor's
// bhi_lock; the store does not itself serialize concurrent fork decisions.
type BlockchainStore interface {
	// CheckHeader reports whether header matches a known chain at its
	// claimed height, returning that chain if so.
	CheckHeader(header HeaderDict) (*Chain, bool)
	// CanConnect reports whether header could extend some known chain.
	// When checkHeight is false, height bookkeeping is skipped (used by the
	// binary-search post-condition check).
	CanConnect(header HeaderDict, checkHeight bool) (*Chain, bool)
	// ConnectChunk appends CHUNK_SIZE headers starting at chunkIndex*ChunkSize
	// to the chain that currently owns that range. It returns false (never an
	// error) when the chunk does not connect.
	ConnectChunk(chunkIndex int, data []byte) (bool, error)
	// Fork creates a new chain branch rooted just below header's height.
	Fork(header HeaderDict) (*Chain, error)
	// Height returns the main chain's current tip height.
	Height() int32
	// SaveHeader appends a single header to chain.
	SaveHeader(chain *Chain, header HeaderDict) error
	// MaxHeightAmongChains returns the highest tip height across every known
	// chain (used to seed backward search).
	MaxHeightAmongChains() int32
	// BestChain returns the chain with the greatest work/height, used as the
	// readiness fallback.
	BestChain() *Chain
	// MainChain returns the chain the store currently considers canonical.
	MainChain() *Chain
}

// MemoryStore is a minimal, mutex-protected BlockchainStore good enough to
// drive the chain resolver in tests and in a host application that has no
// richer persistence layer of its own.
type MemoryStore struct {
	mu      sync.Mutex
	chains  []*Chain
	nextID  int
	genesis chainhash.Hash
}

// NewMemoryStore creates a store with a single empty main chain.
func NewMemoryStore(genesis chainhash.Hash) *MemoryStore {
	s := &MemoryStore{genesis: genesis}
	main := &Chain{id: 0, headers: map[int32]HeaderDict{}}
	s.chains = append(s.chains, main)
	return s
}

func (s *MemoryStore) MainChain() *Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chains[0]
}

func (s *MemoryStore) Height() int32 { return s.MainChain().Height() }

func (s *MemoryStore) MaxHeightAmongChains() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int32 = -1
	for _, c := range s.chains {
		if h := c.Height(); h > max {
			max = h
		}
	}
	return max
}

func (s *MemoryStore) BestChain() *Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := s.chains[0]
	for _, c := range s.chains[1:] {
		if c.Height() > best.Height() {
			best = c
		}
	}
	return best
}

func (s *MemoryStore) CheckHeader(header HeaderDict) (*Chain, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chains {
		if existing, ok := c.headerAt(header.Height); ok {
			if existing.Hash() == header.Hash() {
				return c, true
			}
		}
	}
	return nil, false
}

func (s *MemoryStore) CanConnect(header HeaderDict, checkHeight bool) (*Chain, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevHeight := header.Height - 1
	for _, c := range s.chains {
		prev, ok := c.headerAt(prevHeight)
		if !ok {
			continue
		}
		if prev.Hash() != header.Raw.PrevBlock {
			continue
		}
		if checkHeight && c.Height() != prevHeight {
			continue
		}
		return c, true
	}
	return nil, false
}

func (s *MemoryStore) SaveHeader(chain *Chain, header HeaderDict) error {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.headers[header.Height] = header
	if header.Height > chain.tipHeight {
		chain.tipHeight = header.Height
	}
	return nil
}

func (s *MemoryStore) ConnectChunk(chunkIndex int, data []byte) (bool, error) {
	if len(data)%HeaderSize != 0 {
		return false, fmt.Errorf("connect_chunk: data is not a multiple of %d bytes", HeaderSize)
	}
	n := len(data) / HeaderSize
	startHeight := int32(chunkIndex * ChunkSize)

	headers := make([]HeaderDict, n)
	for i := 0; i < n; i++ {
		var hdr wire.BlockHeader
		if err := hdr.Deserialize(bytes.NewReader(data[i*HeaderSize : (i+1)*HeaderSize])); err != nil {
			return false, fmt.Errorf("connect_chunk: decode header %d: %w", i, err)
		}
		headers[i] = HeaderDict{Raw: hdr, Height: startHeight + int32(i)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chains {
		if startHeight == 0 || func() bool {
			prev, ok := c.headerAt(startHeight - 1)
			return ok && prev.Hash() == headers[0].Raw.PrevBlock
		}() {
			c.mu.Lock()
			for _, h := range headers {
				c.headers[h.Height] = h
				if h.Height > c.tipHeight {
					c.tipHeight = h.Height
				}
			}
			c.mu.Unlock()
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Fork(header HeaderDict) (*Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parent *Chain
	for _, c := range s.chains {
		if _, ok := c.headerAt(header.Height - 1); ok {
			parent = c
			break
		}
	}
	if parent == nil {
		return nil, fmt.Errorf("fork: no chain connects below height %d", header.Height)
	}
	s.nextID++
	nc := &Chain{
		id:        s.nextID,
		forkpoint: header.Height,
		parent:    parent,
		headers:   map[int32]HeaderDict{header.Height: header},
		tipHeight: header.Height,
	}
	s.chains = append(s.chains, nc)
	return nc, nil
}
