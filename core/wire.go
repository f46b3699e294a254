package core

import "encoding/json"

// jsonrpcRequest is the outbound JSON-RPC 2.0 envelope.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// jsonrpcResponse is the inbound envelope for both replies and notifications.
// A reply carries ID != nil; a notification carries Method instead.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorWire   `json:"error"`
	Method  string          `json:"method"`
	Params  []any           `json:"params"`
}

type rpcErrorWire struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Methods implemented by the wire protocol.
const (
	MethodServerVersion         = "server.version"
	MethodServerPing            = "server.ping"
	MethodServerBanner          = "server.banner"
	MethodServerDonationAddress = "server.donation_address"
	MethodHeadersSubscribe      = "blockchain.headers.subscribe"
	MethodBlockHeader           = "blockchain.block.header"
	MethodBlockHeaders          = "blockchain.block.headers"
	MethodTransactionGet        = "blockchain.transaction.get"
	MethodTransactionGetMerkle  = "blockchain.transaction.get_merkle"
	MethodTransactionIDFromPos  = "blockchain.transaction.id_from_pos"
	MethodScripthashHistory     = "blockchain.scripthash.get_history"
	MethodScripthashListUnspent = "blockchain.scripthash.listunspent"
	MethodScripthashBalance     = "blockchain.scripthash.get_balance"
	MethodFeeHistogram          = "mempool.get_fee_histogram"
	MethodRelayFee              = "blockchain.relayfee"
	MethodEstimateFee           = "blockchain.estimatefee"
)

// ClientName/ProtocolVersion identify this client in server.version.
const (
	ClientName      = "spvclient"
	ProtocolVersion = "1.4"
)

// CHUNK_SIZE / HEADER_SIZE are network-wide constants.
const (
	ChunkSize  = 2016
	HeaderSize = 80
)
