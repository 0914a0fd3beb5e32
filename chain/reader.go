package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCReader exposes the calldata of mined transactions through a standard
// execution-layer endpoint.
type RPCReader struct {
	client *ethclient.Client
}

// NewRPCReader dials the supplied RPC URL.
func NewRPCReader(ctx context.Context, url string) (*RPCReader, error) {
	client, err := ethclient.DialContext(ctx, strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}
	return &RPCReader{client: client}, nil
}

// TransactionData returns the input payload of the transaction with the
// supplied hash.
func (r *RPCReader) TransactionData(ctx context.Context, hash common.Hash) ([]byte, error) {
	tx, pending, err := r.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch transaction %s: %w", hash.Hex(), err)
	}
	if pending {
		return nil, fmt.Errorf("chain: transaction %s not yet mined", hash.Hex())
	}
	return tx.Data(), nil
}

// Close releases the underlying RPC connection.
func (r *RPCReader) Close() {
	r.client.Close()
}

// BridgeProvider implements WalletProvider against an HTTP JSON-RPC bridge
// that proxies requests to an attended wallet. The bridge answers with the
// conventional provider error codes, which are translated into the package
// sentinels here so callers never see raw code numbers.
type BridgeProvider struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// BridgeConfig represents the bridge client configuration.
type BridgeConfig struct {
	URL     string
	Timeout time.Duration
}

// NewBridgeProvider constructs a bridge client targeting the supplied URL.
// Submission calls block until the wallet reports a receipt, so the HTTP
// timeout has to cover the full confirmation wait.
func NewBridgeProvider(cfg BridgeConfig) *BridgeProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &BridgeProvider{
		url: strings.TrimSpace(cfg.URL),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

const (
	codeUserRejected      = 4001
	codeUnrecognizedChain = 4902
)

// ChainID reports the chain the wallet is currently connected to.
func (b *BridgeProvider) ChainID(ctx context.Context) (uint64, error) {
	var result struct {
		ChainID string `json:"chainId"`
	}
	if err := b.call(ctx, "wallet_chainId", nil, &result); err != nil {
		return 0, err
	}
	id, err := hexutil.DecodeUint64(strings.TrimSpace(result.ChainID))
	if err != nil {
		return 0, fmt.Errorf("chain: decode chain id %q: %w", result.ChainID, err)
	}
	return id, nil
}

// SwitchChain asks the wallet to move to the given chain.
func (b *BridgeProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	params := []interface{}{map[string]string{
		"chainId": hexutil.EncodeUint64(chainID),
	}}
	return b.call(ctx, "wallet_switchEthereumChain", params, nil)
}

// AddChain registers the network with the wallet.
func (b *BridgeProvider) AddChain(ctx context.Context, params NetworkParams) error {
	payload := map[string]interface{}{
		"chainId":   hexutil.EncodeUint64(params.ChainID),
		"chainName": params.Name,
		"nativeCurrency": map[string]interface{}{
			"name":     params.CurrencySymbol,
			"symbol":   params.CurrencySymbol,
			"decimals": params.CurrencyDecimal,
		},
		"rpcUrls": params.RPCURLs,
	}
	if strings.TrimSpace(params.ExplorerURL) != "" {
		payload["blockExplorerUrls"] = []string{params.ExplorerURL}
	}
	return b.call(ctx, "wallet_addEthereumChain", []interface{}{payload}, nil)
}

// SendTransaction submits the request through the wallet and blocks until the
// bridge reports the mined hash.
func (b *BridgeProvider) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	value := "0x0"
	if req.Value != nil && req.Value.Sign() > 0 {
		value = hexutil.EncodeBig(req.Value)
	}
	params := []interface{}{map[string]string{
		"from":  req.From.Hex(),
		"to":    req.To.Hex(),
		"value": value,
		"data":  hexutil.Encode(req.Data),
	}}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := b.call(ctx, "wallet_sendTransaction", params, &result); err != nil {
		return common.Hash{}, err
	}
	trimmed := strings.TrimSpace(result.TxHash)
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 66 {
		return common.Hash{}, fmt.Errorf("chain: malformed transaction hash %q", trimmed)
	}
	return common.HexToHash(trimmed), nil
}

type bridgeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bridgeResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *bridgeError    `json:"error"`
}

func (b *BridgeProvider) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if b == nil || b.httpClient == nil {
		return ErrUnavailable
	}
	if params == nil {
		params = []interface{}{}
	}
	id := b.nextID.Add(1)
	reqBody := bridgeRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	var bridgeResp bridgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&bridgeResp); err != nil {
		return fmt.Errorf("chain: decode bridge response: %w", err)
	}
	if bridgeResp.Error != nil {
		switch bridgeResp.Error.Code {
		case codeUserRejected:
			return fmt.Errorf("%w: %s", ErrUserRejected, bridgeResp.Error.Message)
		case codeUnrecognizedChain:
			return fmt.Errorf("%w: %s", ErrUnrecognizedChain, bridgeResp.Error.Message)
		default:
			return fmt.Errorf("chain: bridge error %d %s", bridgeResp.Error.Code, bridgeResp.Error.Message)
		}
	}
	if out == nil {
		return nil
	}
	if len(bridgeResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(bridgeResp.Result, out)
}

var _ WalletProvider = (*BridgeProvider)(nil)
