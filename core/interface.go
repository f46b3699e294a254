package core

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// headersCacheSize bounds the per-interface in-flight header cache used
// while the resolver walks catchup/backward/binary search; it only needs to
// hold the handful of chunks a single resolution pass touches.
const headersCacheSize = 4096

// byteReader/byteWriter adapt a []byte to the io.Reader/io.Writer
// wire.BlockHeader's (de)serialization expects.
func byteReader(b []byte) io.Reader { return bytes.NewReader(b) }

func byteWriter(dst *[]byte) io.Writer { return (*byteBufWriter)(dst) }

type byteBufWriter []byte

func (w *byteBufWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}

// Interface is the per-server actor: it owns one session to one remote
// indexer, tracks that server's claimed chain tip, drives the chain
// resolver against it, and exposes the typed request API. An interface is
// single-use — once disconnected it is never reopened.
type Interface struct {
	sup    *Supervisor
	server ServerAddr
	cfg    *Config
	dialer *Dialer
	bus    *EventBus
	log    *logrus.Entry

	mu         sync.RWMutex
	session    *NotificationSession
	blockchain *Chain
	tipHeader  *HeaderDict
	tip        uint32

	headersCache *lru.Cache[int32, []byte]

	requestedChunksMu sync.Mutex
	requestedChunks   map[int]struct{}

	feeMu           sync.RWMutex
	feeEstimatesETA map[int]int64

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error

	disconnectOnce sync.Once
	disconnected   chan struct{}

	bucketOnce sync.Once
	bucket     string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewInterface constructs an interface bound to server; it does not dial
// until Start is called.
func NewInterface(sup *Supervisor, server ServerAddr) *Interface {
	ctx, cancel := context.WithCancel(sup.ctx)
	headersCache, _ := lru.New[int32, []byte](headersCacheSize)
	return &Interface{
		sup:             sup,
		server:          server,
		cfg:             sup.cfg,
		dialer:          NewDialer(10*time.Second, 30*time.Second, sup.cfg.Proxy),
		bus:             sup.bus,
		log:             logrus.WithField("server", server.FriendlyName()),
		headersCache:    headersCache,
		requestedChunks: make(map[int]struct{}),
		feeEstimatesETA: make(map[int]int64),
		readyCh:         make(chan struct{}),
		disconnected:    make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Blockchain returns the chain this interface currently considers its own,
// or nil before the first tip has been resolved.
func (i *Interface) Blockchain() *Chain {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.blockchain
}

func (i *Interface) setBlockchain(c *Chain) {
	i.mu.Lock()
	i.blockchain = c
	i.mu.Unlock()
}

// tipHeight reports the best height this interface knows about: its
// adopted chain's height, or the server-claimed tip if no chain is adopted
// yet.
func (i *Interface) tipHeight() int32 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.blockchain != nil {
		return i.blockchain.Height()
	}
	return int32(i.tip)
}

// ipBucket lazily computes and caches this interface's address-diversity
// bucket.
func (i *Interface) ipBucket() string {
	i.bucketOnce.Do(func() {
		i.bucket = ipBucket(i.server.Host)
	})
	return i.bucket
}

// IsReady reports whether the interface has verified a tip and has not
// disconnected.
func (i *Interface) IsReady() bool {
	select {
	case <-i.readyCh:
	default:
		return false
	}
	select {
	case <-i.disconnected:
		return false
	default:
		return true
	}
}

// Start spawns the root task. It returns immediately; failures surface as
// a disconnect, observable via the supervisor's connectionDown callback.
func (i *Interface) Start(parent context.Context) {
	go i.run()
}

// run is the root task body, wrapped in the disconnect-handling decorator
// described for the interface: classify the terminal error, log at the
// appropriate level, then unconditionally tear down.
func (i *Interface) run() {
	err := i.rootFlow()
	i.handleRootError(err)

	i.disconnectOnce.Do(func() { close(i.disconnected) })
	i.cancel()
	i.sup.connectionDown(i)
	i.readyOnce.Do(func() {
		i.readyErr = fmt.Errorf("interface closed before first tip")
		close(i.readyCh)
	})
	if i.session != nil {
		_ = i.session.Close()
	}
}

func (i *Interface) handleRootError(err error) {
	if err == nil {
		return
	}
	var gd *GracefulDisconnect
	if asGracefulDisconnect(err, &gd) {
		switch gd.Level {
		case LevelWarn:
			i.log.WithError(err).Warn("interface disconnecting")
		case LevelError:
			i.log.WithError(err).Error("interface disconnecting")
		default:
			i.log.WithError(err).Info("interface disconnecting")
		}
		return
	}
	if rpcErr, ok := asRPCError(err); ok {
		i.log.WithError(rpcErr).Warn("interface disconnecting on protocol error")
		return
	}
	i.log.WithError(err).Error("interface disconnecting on unexpected error")
}

func asGracefulDisconnect(err error, target **GracefulDisconnect) bool {
	gd, ok := err.(*GracefulDisconnect)
	if ok {
		*target = gd
	}
	return ok
}

// rootFlow implements the interface's connect -> handshake -> bucket-check
// -> child-task fan-out sequence.
func (i *Interface) rootFlow() error {
	var tlsCfg *tls.Config
	if i.server.Protocol == ProtocolTLS {
		cfg, err := ResolveTLSConfig(i.ctx, i.dialer, i.cfg, i.server, i.bus, i.log)
		if err != nil {
			return err
		}
		tlsCfg = cfg
	}

	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = i.dialer.DialTLS(i.ctx, i.server, tlsCfg)
	} else {
		conn, err = i.dialer.DialPlain(i.ctx, i.server)
	}
	if err != nil {
		return err
	}

	transport, err := NewFramedTransport(conn, i.cfg.MaxIncomingFrameSize, false, i.log)
	if err != nil {
		_ = conn.Close()
		return err
	}

	session := NewNotificationSession(i.ctx, transport, i.cfg.Timeouts, i.log)
	i.mu.Lock()
	i.session = session
	i.mu.Unlock()

	if err := i.handshake(); err != nil {
		return err
	}

	bucket := i.ipBucket()
	if !i.sup.respectsBucketSpread(bucket) {
		return NewGracefulDisconnect("another interface already occupies this address bucket")
	}
	i.sup.admitBucket(bucket)

	g, gctx := errgroup.WithContext(i.ctx)
	g.Go(func() error { return i.ping(gctx) })
	g.Go(func() error { return i.monitorConnection(gctx) })
	g.Go(func() error { return i.requestFeeEstimates(gctx) })
	g.Go(func() error { return i.runFetchBlocks(gctx) })

	err = g.Wait()
	return i.classifyChildError(err)
}

// classifyChildError maps the specific RPC error codes that should be
// treated as an ordinary, expected termination rather than an alarming one.
func (i *Interface) classifyChildError(err error) error {
	if err == nil {
		return NewGracefulDisconnect("child task exited")
	}
	if rpcErr, ok := asRPCError(err); ok && isDowngradableRPCError(rpcErr.Code) {
		level := LevelInfo
		if i.sup.IsMain(i.server) {
			level = LevelWarn
		}
		return NewGracefulDisconnectf(level, "server returned %v", rpcErr)
	}
	return err
}

func (i *Interface) handshake() error {
	result, err := i.session.Send(i.ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodServerVersion, []any{ClientName, ProtocolVersion})
	if err != nil {
		if rpcErr, ok := asRPCError(err); ok {
			return NewGracefulDisconnectf(LevelWarn, "server rejected version handshake: %v", rpcErr)
		}
		return err
	}
	var reply []any
	if err := json.Unmarshal(result, &reply); err != nil || len(reply) != 2 {
		return NewRequestCorrupted("server.version reply is not a 2-element list")
	}
	echoed, ok := reply[1].(string)
	if !ok || echoed != ProtocolVersion {
		return NewGracefulDisconnect("server protocol version mismatch")
	}
	return nil
}

// ping sleeps a random interval up to 5 minutes, sends server.ping, and
// occasionally follows up with an extra ping shortly after to perturb
// traffic timing.
func (i *Interface) ping(ctx context.Context) error {
	for {
		wait := time.Duration(rand.Int63n(int64(300 * time.Second)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if _, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodServerPing, nil); err != nil {
			return err
		}
		if rand.Intn(100) < 20 {
			extra := time.Duration(rand.Int63n(int64(time.Second)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(extra):
			}
			if _, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodServerPing, nil); err != nil {
				return err
			}
		}
	}
}

func (i *Interface) monitorConnection(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case <-i.session.closed:
				return NewGracefulDisconnect("session closed")
			default:
			}
		}
	}
}

func (i *Interface) requestFeeEstimates(ctx context.Context) error {
	for {
		targets := i.cfg.FeeETATargets
		if len(targets) > 1 {
			var wg sync.WaitGroup
			for _, target := range targets[:len(targets)-1] {
				wg.Add(1)
				go func(target int) {
					defer wg.Done()
					v, err := i.getEstimatefee(ctx, target)
					if err != nil || v < 0 {
						return
					}
					i.feeMu.Lock()
					i.feeEstimatesETA[target] = v
					i.feeMu.Unlock()
				}(target)
			}
			wg.Wait()
		}
		i.bus.Emit(EventNetworkUpdated, i.server)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(60 * time.Second):
		}
	}
}

// runFetchBlocks subscribes to headers.subscribe and feeds every tip
// notification through the chain resolver.
func (i *Interface) runFetchBlocks(ctx context.Context) error {
	notifyCh := make(chan json.RawMessage, 8)
	_, err := i.session.Subscribe(ctx, MethodHeadersSubscribe, nil, func(params json.RawMessage) {
		select {
		case notifyCh <- params:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case params := <-notifyCh:
			tipHeader, err := parseTipNotification(params)
			if err != nil {
				return err
			}
			if err := i.onNewTip(ctx, tipHeader); err != nil {
				return err
			}
		}
	}
}

func parseTipNotification(params json.RawMessage) (HeaderDict, error) {
	var wrapped []struct {
		Height int32  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(params, &wrapped); err != nil || len(wrapped) != 1 {
		return HeaderDict{}, NewRequestCorrupted("headers.subscribe notification is not a 1-element list")
	}
	return decodeHeaderHex(wrapped[0].Hex, wrapped[0].Height)
}

func decodeHeaderHex(hexStr string, height int32) (HeaderDict, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != HeaderSize {
		return HeaderDict{}, NewRequestCorrupted("header hex is not %d bytes", HeaderSize)
	}
	var hdr wire.BlockHeader
	if err := hdr.Deserialize(byteReader(raw)); err != nil {
		return HeaderDict{}, NewRequestCorrupted("header does not decode: %v", err)
	}
	return HeaderDict{Raw: hdr, Height: height}, nil
}

// --- typed request API ---

// getBlockHeader fetches and validates the header at height, consulting the
// short-lived cache first.
func (i *Interface) getBlockHeader(ctx context.Context, height int32, mode ChainResolutionMode) (HeaderDict, error) {
	if raw, ok := i.cachedHeader(height); ok {
		var hdr wire.BlockHeader
		if err := hdr.Deserialize(byteReader(raw)); err != nil {
			return HeaderDict{}, NewRequestCorrupted("cached header at %d does not decode", height)
		}
		return HeaderDict{Raw: hdr, Height: height}, nil
	}
	result, err := i.session.Send(ctx, timeoutClassFor(mode), TimeoutNormal, MethodBlockHeader, []any{height})
	if err != nil {
		return HeaderDict{}, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return HeaderDict{}, NewRequestCorrupted("block.header reply is not a string")
	}
	return decodeHeaderHex(hexStr, height)
}

// getBlockHeaders fetches `count` consecutive headers starting at
// startHeight; count must be in (0, 2016].
func (i *Interface) getBlockHeaders(ctx context.Context, startHeight int32, count int, mode ChainResolutionMode) ([]HeaderDict, error) {
	if count <= 0 || count > ChunkSize {
		return nil, NewRequestCorrupted("get_block_headers count %d out of range", count)
	}
	result, err := i.session.Send(ctx, timeoutClassFor(mode), TimeoutNormal, MethodBlockHeaders, []any{startHeight, count})
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(result, &m); err != nil {
		return nil, NewRequestCorrupted("block.headers reply is not an object")
	}
	countV, err := dictContainsField(m, "count")
	if err != nil {
		return nil, err
	}
	maxV, err := dictContainsField(m, "max")
	if err != nil {
		return nil, err
	}
	hexV, err := dictContainsField(m, "hex")
	if err != nil {
		return nil, err
	}
	if err := assertNonNegativeInteger("count", countV); err != nil {
		return nil, err
	}
	if err := assertNonNegativeInteger("max", maxV); err != nil {
		return nil, err
	}
	maxF, _ := asFloat64(maxV)
	if maxF < ChunkSize {
		return nil, NewRequestCorrupted("max %v is below chunk size", maxF)
	}
	hexStr, ok := hexV.(string)
	if !ok {
		return nil, NewRequestCorrupted("field %q is not a string", "hex")
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, NewRequestCorrupted("hex field does not decode")
	}
	countF, _ := asFloat64(countV)
	returned := len(raw) / HeaderSize
	if len(raw)%HeaderSize != 0 || returned != int(countF) {
		return nil, NewRequestCorrupted("hex length does not match declared count")
	}
	if returned < count {
		tailStart := startHeight + int32(returned)
		if tailStart <= int32(i.tip) {
			return nil, NewRequestCorrupted("server returned fewer headers than requested below its own tip")
		}
	}
	headers := make([]HeaderDict, returned)
	for k := 0; k < returned; k++ {
		var hdr wire.BlockHeader
		if err := hdr.Deserialize(byteReader(raw[k*HeaderSize : (k+1)*HeaderSize])); err != nil {
			return nil, NewRequestCorrupted("header %d does not decode", k)
		}
		headers[k] = HeaderDict{Raw: hdr, Height: startHeight + int32(k)}
	}
	return headers, nil
}

// requestChunkBelowMaxCheckpoint fetches CHUNK_SIZE headers aligned at
// height and connects them to the blockchain store.
func (i *Interface) requestChunkBelowMaxCheckpoint(ctx context.Context, height int32) error {
	if height > i.cfg.MaxCheckpoint {
		return NewRequestCorrupted("requested chunk height %d exceeds max checkpoint", height)
	}
	index := int(height) / ChunkSize

	i.requestedChunksMu.Lock()
	if _, inFlight := i.requestedChunks[index]; inFlight {
		i.requestedChunksMu.Unlock()
		return nil
	}
	i.requestedChunks[index] = struct{}{}
	i.requestedChunksMu.Unlock()
	defer func() {
		i.requestedChunksMu.Lock()
		delete(i.requestedChunks, index)
		i.requestedChunksMu.Unlock()
	}()

	headers, err := i.getBlockHeaders(ctx, int32(index*ChunkSize), ChunkSize, ModeCatchup)
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(headers)*HeaderSize)
	for _, h := range headers {
		buf := make([]byte, 0, HeaderSize)
		w := byteWriter(&buf)
		if err := h.Raw.Serialize(w); err != nil {
			return NewRequestCorrupted("re-encoding header %d failed", h.Height)
		}
		data = append(data, buf...)
	}
	ok, err := i.sup.store.ConnectChunk(index, data)
	if err != nil {
		return err
	}
	if !ok {
		return NewRequestCorrupted("chunk %d did not connect to any known chain", index)
	}
	return nil
}

func (i *Interface) getMerkleForTransaction(ctx context.Context, txHash string, txHeight int32) (map[string]any, error) {
	if err := assertHash256Hex("tx_hash", txHash); err != nil {
		return nil, err
	}
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodTransactionGetMerkle, []any{txHash, txHeight})
	if err != nil {
		return nil, err
	}
	m, err := unmarshalDict(result)
	if err != nil {
		return nil, err
	}
	heightV, err := dictContainsField(m, "block_height")
	if err != nil {
		return nil, err
	}
	if err := assertNonNegativeInteger("block_height", heightV); err != nil {
		return nil, err
	}
	merkleV, err := dictContainsField(m, "merkle")
	if err != nil {
		return nil, err
	}
	merkleList, err := assertListOrTuple("merkle", merkleV)
	if err != nil {
		return nil, err
	}
	for idx, h := range merkleList {
		s, ok := h.(string)
		if !ok || !isHash256Hex(s) {
			return nil, NewRequestCorrupted("merkle[%d] is not a 32-byte hash hex", idx)
		}
	}
	posV, err := dictContainsField(m, "pos")
	if err != nil {
		return nil, err
	}
	if err := assertNonNegativeInteger("pos", posV); err != nil {
		return nil, err
	}
	return m, nil
}

func (i *Interface) getTransaction(ctx context.Context, txHash string) (*wire.MsgTx, error) {
	if err := assertHash256Hex("tx_hash", txHash); err != nil {
		return nil, err
	}
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutRelaxed, MethodTransactionGet, []any{txHash})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil || !isHexString(hexStr) {
		return nil, NewRequestCorrupted("transaction.get reply is not hex")
	}
	raw, _ := hex.DecodeString(hexStr)
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(byteReader(raw)); err != nil {
		return nil, NewRequestCorrupted("transaction does not deserialize: %v", err)
	}
	if tx.TxHash().String() != txHash {
		return nil, NewRequestCorrupted("decoded txid does not match requested hash")
	}
	return tx, nil
}

// historyEntry is one item of get_history_for_scripthash's response.
type historyEntry struct {
	Height int32
	TxHash string
	Fee    *int64
}

func (i *Interface) getHistoryForScripthash(ctx context.Context, scripthash string) ([]historyEntry, error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodScripthashHistory, []any{scripthash})
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, NewRequestCorrupted("scripthash.get_history reply is not a list")
	}
	entries := make([]historyEntry, 0, len(raw))
	seenTxids := make(map[string]struct{}, len(raw))
	sawUnconfirmed := false
	var lastConfirmed int32 = -1 << 31
	for idx, m := range raw {
		heightV, err := dictContainsField(m, "height")
		if err != nil {
			return nil, err
		}
		if err := assertInteger("height", heightV); err != nil {
			return nil, err
		}
		heightF, _ := asFloat64(heightV)
		height := int32(heightF)

		txHashV, err := dictContainsField(m, "tx_hash")
		if err != nil {
			return nil, err
		}
		txHash, ok := txHashV.(string)
		if !ok || !isHash256Hex(txHash) {
			return nil, NewRequestCorrupted("history[%d].tx_hash is not a 32-byte hash hex", idx)
		}
		if _, dup := seenTxids[txHash]; dup {
			return nil, NewRequestCorrupted("history contains duplicate txid %s", txHash)
		}
		seenTxids[txHash] = struct{}{}

		entry := historyEntry{Height: height, TxHash: txHash}
		if height == 0 || height == -1 {
			sawUnconfirmed = true
			feeV, err := dictContainsField(m, "fee")
			if err != nil {
				return nil, err
			}
			if err := assertNonNegativeInteger("fee", feeV); err != nil {
				return nil, err
			}
			feeF, _ := asFloat64(feeV)
			fee := int64(feeF)
			entry.Fee = &fee
		} else {
			if sawUnconfirmed {
				return nil, NewRequestCorrupted("confirmed history entry follows an unconfirmed one")
			}
			if height < lastConfirmed {
				return nil, NewRequestCorrupted("history heights are not monotone non-decreasing")
			}
			lastConfirmed = height
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// utxoEntry is one item of listunspent_for_scripthash's response.
type utxoEntry struct {
	TxPos  int
	Value  int64
	TxHash string
	Height int32
}

func (i *Interface) listUnspentForScripthash(ctx context.Context, scripthash string) ([]utxoEntry, error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodScripthashListUnspent, []any{scripthash})
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, NewRequestCorrupted("scripthash.listunspent reply is not a list")
	}
	out := make([]utxoEntry, 0, len(raw))
	for idx, m := range raw {
		posV, err := dictContainsField(m, "tx_pos")
		if err != nil {
			return nil, err
		}
		if err := assertNonNegativeInteger("tx_pos", posV); err != nil {
			return nil, err
		}
		valueV, err := dictContainsField(m, "value")
		if err != nil {
			return nil, err
		}
		if err := assertNonNegativeInteger("value", valueV); err != nil {
			return nil, err
		}
		txHashV, err := dictContainsField(m, "tx_hash")
		if err != nil {
			return nil, err
		}
		txHash, ok := txHashV.(string)
		if !ok || !isHash256Hex(txHash) {
			return nil, NewRequestCorrupted("listunspent[%d].tx_hash is not a 32-byte hash hex", idx)
		}
		heightV, err := dictContainsField(m, "height")
		if err != nil {
			return nil, err
		}
		if err := assertNonNegativeInteger("height", heightV); err != nil {
			return nil, err
		}
		posF, _ := asFloat64(posV)
		valueF, _ := asFloat64(valueV)
		heightF, _ := asFloat64(heightV)
		out = append(out, utxoEntry{TxPos: int(posF), Value: int64(valueF), TxHash: txHash, Height: int32(heightF)})
	}
	return out, nil
}

func (i *Interface) getBalanceForScripthash(ctx context.Context, scripthash string) (confirmed int64, unconfirmed int64, err error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodScripthashBalance, []any{scripthash})
	if err != nil {
		return 0, 0, err
	}
	m, err := unmarshalDict(result)
	if err != nil {
		return 0, 0, err
	}
	confV, err := dictContainsField(m, "confirmed")
	if err != nil {
		return 0, 0, err
	}
	if err := assertNonNegativeInteger("confirmed", confV); err != nil {
		return 0, 0, err
	}
	unconfV, err := dictContainsField(m, "unconfirmed")
	if err != nil {
		return 0, 0, err
	}
	if err := assertInteger("unconfirmed", unconfV); err != nil {
		return 0, 0, err
	}
	cf, _ := asFloat64(confV)
	uf, _ := asFloat64(unconfV)
	return int64(cf), int64(uf), nil
}

func (i *Interface) getTxidFromTxpos(ctx context.Context, height int32, pos int, withMerkle bool) (string, []string, error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodTransactionIDFromPos, []any{height, pos, withMerkle})
	if err != nil {
		return "", nil, err
	}
	if !withMerkle {
		var txid string
		if err := json.Unmarshal(result, &txid); err != nil || !isHash256Hex(txid) {
			return "", nil, NewRequestCorrupted("id_from_pos reply is not a 32-byte hash hex")
		}
		return txid, nil, nil
	}
	m, err := unmarshalDict(result)
	if err != nil {
		return "", nil, err
	}
	txHashV, err := dictContainsField(m, "tx_hash")
	if err != nil {
		return "", nil, err
	}
	txid, ok := txHashV.(string)
	if !ok || !isHash256Hex(txid) {
		return "", nil, NewRequestCorrupted("id_from_pos.tx_hash is not a 32-byte hash hex")
	}
	merkleV, err := dictContainsField(m, "merkle")
	if err != nil {
		return "", nil, err
	}
	merkleList, err := assertListOrTuple("merkle", merkleV)
	if err != nil {
		return "", nil, err
	}
	merkle := make([]string, len(merkleList))
	for idx, h := range merkleList {
		s, ok := h.(string)
		if !ok || !isHash256Hex(s) {
			return "", nil, NewRequestCorrupted("merkle[%d] is not a 32-byte hash hex", idx)
		}
		merkle[idx] = s
	}
	return txid, merkle, nil
}

// feeHistogramBucket is one (fee, size) pair of get_fee_histogram's reply.
type feeHistogramBucket struct {
	FeeRate float64
	Size    int64
}

func (i *Interface) getFeeHistogram(ctx context.Context) ([]feeHistogramBucket, error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodFeeHistogram, nil)
	if err != nil {
		return nil, err
	}
	var raw [][2]float64
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, NewRequestCorrupted("fee histogram reply is not a list of pairs")
	}
	out := make([]feeHistogramBucket, len(raw))
	for idx, pair := range raw {
		out[idx] = feeHistogramBucket{FeeRate: pair[0], Size: int64(pair[1])}
		if idx > 0 && out[idx].FeeRate >= out[idx-1].FeeRate {
			return nil, NewRequestCorrupted("fee histogram fees are not strictly decreasing")
		}
	}
	return out, nil
}

func (i *Interface) getServerBanner(ctx context.Context) (string, error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodServerBanner, nil)
	if err != nil {
		return "", err
	}
	var banner string
	if err := json.Unmarshal(result, &banner); err != nil {
		return "", NewRequestCorrupted("server.banner reply is not a string")
	}
	return banner, nil
}

// getDonationAddress tolerates an invalid address: it is logged and
// reported as empty rather than failing the request.
func (i *Interface) getDonationAddress(ctx context.Context) string {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodServerDonationAddress, nil)
	if err != nil {
		i.log.WithError(err).Debug("donation_address request failed")
		return ""
	}
	var addr string
	if err := json.Unmarshal(result, &addr); err != nil || addr == "" {
		return ""
	}
	params := i.netParams()
	if _, err := btcutil.DecodeAddress(addr, params); err != nil {
		i.log.WithField("address", addr).Warn("server reported an invalid donation address")
		return ""
	}
	return addr
}

func (i *Interface) netParams() *chaincfg.Params {
	switch i.cfg.Net.Name {
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func (i *Interface) getRelayFee(ctx context.Context) (int64, error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodRelayFee, nil)
	if err != nil {
		return 0, err
	}
	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil || btcPerKB < 0 {
		return 0, NewRequestCorrupted("relayfee reply is not a non-negative number")
	}
	return int64(btcPerKB * btcutil.SatoshiPerBitcoin), nil
}

func (i *Interface) getEstimatefee(ctx context.Context, numBlocks int) (int64, error) {
	result, err := i.session.Send(ctx, NetworkTimeoutGeneric, TimeoutNormal, MethodEstimateFee, []any{numBlocks})
	if err != nil {
		if rpcErr, ok := asRPCError(err); ok {
			if rpcErr.Code == RPCInternalError || containsCannotEstimate(rpcErr.Message) {
				return -1, nil
			}
		}
		return 0, err
	}
	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil {
		return 0, NewRequestCorrupted("estimatefee reply is not a number")
	}
	if btcPerKB < 0 {
		return -1, nil
	}
	return int64(btcPerKB * btcutil.SatoshiPerBitcoin), nil
}

func containsCannotEstimate(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "cannot estimate fee")
}

func unmarshalDict(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, NewRequestCorrupted("response is not an object")
	}
	return m, nil
}

func timeoutClassFor(mode ChainResolutionMode) NetworkTimeoutClass {
	if mode == ModeBinary || mode == ModeBackward {
		return NetworkTimeoutUrgent
	}
	return NetworkTimeoutGeneric
}

