package core

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// GetBalance returns the confirmed and unconfirmed balance, in satoshis, for
// scripthash. It blocks on a live request to the server and fails once the
// interface is not yet ready.
func (i *Interface) GetBalance(ctx context.Context, scripthash string) (confirmed int64, unconfirmed int64, err error) {
	if !i.IsReady() {
		return 0, 0, NewGracefulDisconnect("interface not ready")
	}
	return i.getBalanceForScripthash(ctx, scripthash)
}

// GetHistory returns the confirmed and mempool transaction history for
// scripthash, oldest first.
func (i *Interface) GetHistory(ctx context.Context, scripthash string) ([]HistoryEntry, error) {
	if !i.IsReady() {
		return nil, NewGracefulDisconnect("interface not ready")
	}
	entries, err := i.getHistoryForScripthash(ctx, scripthash)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(entries))
	for idx, e := range entries {
		var fee int64
		if e.Fee != nil {
			fee = *e.Fee
		}
		out[idx] = HistoryEntry{Height: e.Height, TxHash: e.TxHash, Fee: fee}
	}
	return out, nil
}

// ListUnspent returns the unspent outputs currently known for scripthash.
func (i *Interface) ListUnspent(ctx context.Context, scripthash string) ([]UTXOEntry, error) {
	if !i.IsReady() {
		return nil, NewGracefulDisconnect("interface not ready")
	}
	entries, err := i.listUnspentForScripthash(ctx, scripthash)
	if err != nil {
		return nil, err
	}
	out := make([]UTXOEntry, len(entries))
	for idx, e := range entries {
		out[idx] = UTXOEntry{Height: e.Height, TxHash: e.TxHash, TxPos: e.TxPos, Value: e.Value}
	}
	return out, nil
}

// GetTransaction fetches and verifies (by recomputing its txid) the raw
// transaction identified by txHash.
func (i *Interface) GetTransaction(ctx context.Context, txHash string) (*wire.MsgTx, error) {
	if !i.IsReady() {
		return nil, NewGracefulDisconnect("interface not ready")
	}
	return i.getTransaction(ctx, txHash)
}

// EstimateFee returns the estimated fee rate, in satoshis per kilobyte, for
// confirmation within numBlocks. It returns -1 (and no error) when the server
// cannot estimate: a negative reply, an INTERNAL_ERROR RPC code, or an RPC
// error whose message says "cannot estimate fee".
func (i *Interface) EstimateFee(ctx context.Context, numBlocks int) (int64, error) {
	if !i.IsReady() {
		return 0, NewGracefulDisconnect("interface not ready")
	}
	return i.getEstimatefee(ctx, numBlocks)
}

// RelayFee returns the server's minimum relay fee, in satoshis per kilobyte.
func (i *Interface) RelayFee(ctx context.Context) (int64, error) {
	if !i.IsReady() {
		return 0, NewGracefulDisconnect("interface not ready")
	}
	return i.getRelayFee(ctx)
}

// ServerBanner returns the server's free-text banner.
func (i *Interface) ServerBanner(ctx context.Context) (string, error) {
	if !i.IsReady() {
		return "", NewGracefulDisconnect("interface not ready")
	}
	return i.getServerBanner(ctx)
}

// DonationAddress returns the server-advertised donation address, already
// validated against the configured network, or "" if none was offered.
func (i *Interface) DonationAddress(ctx context.Context) string {
	if !i.IsReady() {
		return ""
	}
	return i.getDonationAddress(ctx)
}

// Height reports the best height this interface has resolved so far.
func (i *Interface) Height() int32 { return i.tipHeight() }

// Server returns the address this interface is bound to.
func (i *Interface) Server() ServerAddr { return i.server }

// HistoryEntry is the exported mirror of historyEntry.
type HistoryEntry struct {
	Height int32
	TxHash string
	Fee    int64
}

// UTXOEntry is the exported mirror of utxoEntry.
type UTXOEntry struct {
	Height   int32
	TxHash   string
	TxPos    int
	Value    int64
}
