package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/better-wallet/agentvault/pkg/types"
)

const (
	DefaultEtherscanURL   = "https://api.etherscan.io/v2/api"
	etherscanRPS          = 3
	etherscanMaxPage      = 100
	etherscanNoTxsMessage = "No transactions found"
)

// EtherscanHistory reads normal transactions from an Etherscan-compatible
// account API.
type EtherscanHistory struct {
	baseURL string
	apiKey  string
	network int64
	client  *http.Client
	limiter *rate.Limiter
}

type etherscanTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
	Input           string `json:"input"`
	ContractAddress string `json:"contractAddress"`
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// NewEtherscanHistory creates a history source for one network id.
func NewEtherscanHistory(baseURL, apiKey string, network int64) *EtherscanHistory {
	if baseURL == "" {
		baseURL = DefaultEtherscanURL
	}
	return &EtherscanHistory{
		baseURL: baseURL,
		apiKey:  apiKey,
		network: network,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(etherscanRPS), etherscanRPS),
	}
}

func (h *EtherscanHistory) History(ctx context.Context, address string, limit int) ([]types.Receipt, error) {
	if limit <= 0 || limit > etherscanMaxPage {
		limit = etherscanMaxPage
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("chainid", strconv.FormatInt(h.network, 10))
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(limit))
	q.Set("sort", "desc")
	if h.apiKey != "" {
		q.Set("apikey", h.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, Transient(fmt.Errorf("history API returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history API returned %d", resp.StatusCode)
	}

	var parsed etherscanResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Status != "1" {
		if strings.HasPrefix(parsed.Message, etherscanNoTxsMessage) {
			return []types.Receipt{}, nil
		}
		var detail string
		_ = json.Unmarshal(parsed.Result, &detail)
		if strings.Contains(strings.ToLower(detail), "rate limit") {
			return nil, Transient(fmt.Errorf("history API: %s", detail))
		}
		return nil, fmt.Errorf("history API: %s %s", parsed.Message, detail)
	}

	var txs []etherscanTx
	if err := json.Unmarshal(parsed.Result, &txs); err != nil {
		return nil, fmt.Errorf("failed to parse transactions: %w", err)
	}

	out := make([]types.Receipt, 0, len(txs))
	for _, tx := range txs {
		out = append(out, h.convert(tx))
	}
	return out, nil
}

func (h *EtherscanHistory) convert(tx etherscanTx) types.Receipt {
	r := types.Receipt{
		TxID:   tx.Hash,
		Status: types.TxStatusSuccess,
		From:   tx.From,
		To:     tx.To,
		Asset:  types.NativeAsset,
		Amount: tx.Value,
	}
	if tx.IsError == "1" || tx.TxReceiptStatus == "0" {
		r.Status = types.TxStatusFailed
	}
	if raw, err := hexBytes(tx.Input); err == nil {
		if to, amount, ok := decodeERC20Transfer(raw); ok {
			r.Asset = tx.To
			r.To = to.Hex()
			r.Amount = amount.String()
		}
	}
	if n, err := strconv.ParseUint(tx.BlockNumber, 10, 64); err == nil {
		r.BlockNumber = n
	}
	if ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64); err == nil {
		r.Timestamp = time.Unix(ts, 0).UTC()
	}
	price, okPrice := parseBig(tx.GasPrice)
	used, okUsed := parseBig(tx.GasUsed)
	if okPrice && okUsed {
		r.Fee = price.Mul(price, used).String()
	}
	return r
}

func parseBig(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
