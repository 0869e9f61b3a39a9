package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/better-wallet/agentvault/pkg/types"
)

const (
	evmDefaultPath     = "m/44'/60'/0'/0/0"
	evmNativeDecimals  = 18
	maxLocalSubmitted  = 1000
	gasBufferPercent   = 120
	rpcCodeLimitExceed = -32005
)

var (
	erc20TransferSelector  = []byte{0xa9, 0x05, 0x9c, 0xbb}
	erc20BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}
	erc20DecimalsSelector  = []byte{0x31, 0x3c, 0xe5, 0x67}
)

// rejectionMessages are node replies that mean the transaction was refused
// and never entered the pool.
var rejectionMessages = []string{
	"nonce too low",
	"nonce too high",
	"insufficient funds",
	"intrinsic gas too low",
	"transaction underpriced",
	"replacement transaction underpriced",
	"exceeds block gas limit",
	"invalid sender",
	"max fee per gas less than block base fee",
	"tip higher than fee cap",
}

// EVMClient is the subset of the go-ethereum client the adapter uses. Both
// *ethclient.Client and the simulated backend client satisfy it.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *gethtypes.Transaction, isPending bool, err error)
}

// HistorySource lists past transactions of an address.
type HistorySource interface {
	History(ctx context.Context, address string, limit int) ([]types.Receipt, error)
}

// EVMOption configures an EVMAdapter.
type EVMOption func(*EVMAdapter)

// WithTokens adds ERC-20 contracts reported by GetBalance.
func WithTokens(contracts ...string) EVMOption {
	return func(a *EVMAdapter) {
		for _, c := range contracts {
			if common.IsHexAddress(c) {
				a.tokens = append(a.tokens, common.HexToAddress(c))
			}
		}
	}
}

// WithHistory sets the source used by GetHistory.
func WithHistory(src HistorySource) EVMOption {
	return func(a *EVMAdapter) {
		a.history = src
	}
}

// WithEtherscan reads history from an Etherscan-compatible API for the
// network the client reports.
func WithEtherscan(baseURL, apiKey string) EVMOption {
	return func(a *EVMAdapter) {
		a.history = NewEtherscanHistory(baseURL, apiKey, a.network.Int64())
	}
}

// EVMAdapter signs EIP-1559 transactions for one EVM network.
type EVMAdapter struct {
	id      string
	network *big.Int
	client  EVMClient
	history HistorySource
	tokens  []common.Address

	mu        sync.Mutex
	nonces    map[common.Address]uint64
	decimals  map[common.Address]int
	submitted map[common.Address][]common.Hash
}

type evmPrepared struct {
	Nonce     uint64
	GasLimit  uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	To        common.Address
	Value     *big.Int
	Data      []byte
}

// DialEVM connects to an RPC endpoint and registers it as "evm:<name>".
func DialEVM(ctx context.Context, name, rpcURL string, opts ...EVMOption) (*EVMAdapter, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	a, err := NewEVMAdapter(ctx, name, client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return a, nil
}

// NewEVMAdapter wraps client and auto-detects the network chain id.
func NewEVMAdapter(ctx context.Context, name string, client EVMClient, opts ...EVMOption) (*EVMAdapter, error) {
	network, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if name == "" {
		name = network.String()
	}

	a := &EVMAdapter{
		id:        types.ChainKindEVM + ":" + name,
		network:   network,
		client:    client,
		nonces:    make(map[common.Address]uint64),
		decimals:  make(map[common.Address]int),
		submitted: make(map[common.Address][]common.Hash),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *EVMAdapter) ChainID() string {
	return a.id
}

// Network returns the EIP-155 chain id.
func (a *EVMAdapter) Network() *big.Int {
	return new(big.Int).Set(a.network)
}

func (a *EVMAdapter) GenerateSecret() ([]byte, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	defer zeroKey(key)
	return ethcrypto.FromECDSA(key), nil
}

func (a *EVMAdapter) DeriveAddress(secret []byte) (string, error) {
	key, err := ethcrypto.ToECDSA(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	defer zeroKey(key)
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func (a *EVMAdapter) DeriveFromSeed(seed []byte, path string) ([]byte, error) {
	return DeriveSecp256k1(seed, path)
}

func (a *EVMAdapter) DefaultDerivationPath() string {
	return evmDefaultPath
}

func (a *EVMAdapter) NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return common.HexToAddress(address).Hex(), nil
}

func (a *EVMAdapter) GetBalance(ctx context.Context, address string) (*types.Balances, error) {
	addr, err := a.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	account := common.HexToAddress(addr)

	native, err := a.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, NewAdapterError(a.id, "get_balance", classifyRPCError(err), nil)
	}
	out := &types.Balances{
		ChainID: a.id,
		Address: addr,
		Assets: []types.AssetBalance{{
			Asset:    types.NativeAsset,
			Amount:   native.String(),
			Decimals: evmNativeDecimals,
		}},
	}

	for _, token := range a.tokens {
		data := append(append([]byte{}, erc20BalanceOfSelector...), common.LeftPadBytes(account.Bytes(), 32)...)
		res, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		if err != nil {
			return nil, NewAdapterError(a.id, "get_balance", classifyRPCError(err), map[string]interface{}{"token": token.Hex()})
		}
		out.Assets = append(out.Assets, types.AssetBalance{
			Asset:    token.Hex(),
			Amount:   new(big.Int).SetBytes(res).String(),
			Decimals: a.tokenDecimals(ctx, token),
		})
	}
	return out, nil
}

func (a *EVMAdapter) tokenDecimals(ctx context.Context, token common.Address) int {
	a.mu.Lock()
	d, ok := a.decimals[token]
	a.mu.Unlock()
	if ok {
		return d
	}

	res, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: erc20DecimalsSelector}, nil)
	if err != nil || len(res) == 0 {
		return evmNativeDecimals
	}
	d = int(new(big.Int).SetBytes(res).Int64())

	a.mu.Lock()
	a.decimals[token] = d
	a.mu.Unlock()
	return d
}

func isNativeAsset(asset string) bool {
	return asset == "" || strings.EqualFold(asset, types.NativeAsset)
}

func encodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func decodeERC20Transfer(data []byte) (common.Address, *big.Int, bool) {
	if len(data) != 68 || !bytes.Equal(data[:4], erc20TransferSelector) {
		return common.Address{}, nil, false
	}
	return common.BytesToAddress(data[4:36]), new(big.Int).SetBytes(data[36:68]), true
}

func (a *EVMAdapter) Prepare(ctx context.Context, from string, payload types.UnsignedPayload) (*PreparedTx, error) {
	fromAddr, err := a.NormalizeAddress(from)
	if err != nil {
		return nil, err
	}
	toAddr, err := a.NormalizeAddress(payload.To)
	if err != nil {
		return nil, err
	}
	if payload.Amount == nil || payload.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}

	sender := common.HexToAddress(fromAddr)
	body := &evmPrepared{}
	if isNativeAsset(payload.Asset) {
		body.To = common.HexToAddress(toAddr)
		body.Value = new(big.Int).Set(payload.Amount)
	} else {
		if !common.IsHexAddress(payload.Asset) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, payload.Asset)
		}
		body.To = common.HexToAddress(payload.Asset)
		body.Value = new(big.Int)
		body.Data = encodeERC20Transfer(common.HexToAddress(toAddr), payload.Amount)
	}

	body.Nonce, err = a.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, NewAdapterError(a.id, "prepare", classifyRPCError(err), map[string]interface{}{"step": "nonce"})
	}
	body.GasTipCap, err = a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, NewAdapterError(a.id, "prepare", classifyRPCError(err), map[string]interface{}{"step": "tip"})
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, NewAdapterError(a.id, "prepare", classifyRPCError(err), map[string]interface{}{"step": "header"})
	}
	if head.BaseFee == nil {
		return nil, NewAdapterError(a.id, "prepare", errors.New("network does not support EIP-1559"), nil)
	}
	body.GasFeeCap = new(big.Int).Add(body.GasTipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  sender,
		To:    &body.To,
		Value: body.Value,
		Data:  body.Data,
	})
	if err != nil {
		return nil, NewAdapterError(a.id, "prepare", classifyRPCError(err), map[string]interface{}{"step": "estimate_gas"})
	}
	body.GasLimit = gas * gasBufferPercent / 100

	return &PreparedTx{
		ChainID: a.id,
		From:    fromAddr,
		Payload: payload,
		Body:    body,
	}, nil
}

func (a *EVMAdapter) Sign(prepared *PreparedTx, secret []byte) (*SignedTx, error) {
	body, ok := prepared.Body.(*evmPrepared)
	if !ok {
		return nil, fmt.Errorf("%w: not an EVM transaction", ErrInvalidPayload)
	}
	key, err := ethcrypto.ToECDSA(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	defer zeroKey(key)

	sender := ethcrypto.PubkeyToAddress(key.PublicKey)
	if sender.Hex() != prepared.From {
		return nil, ErrSecretMismatch
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   a.network,
		Nonce:     a.reserveNonce(sender, body.Nonce),
		GasTipCap: body.GasTipCap,
		GasFeeCap: body.GasFeeCap,
		Gas:       body.GasLimit,
		To:        &body.To,
		Value:     body.Value,
		Data:      body.Data,
	})
	signedTx, err := gethtypes.SignTx(tx, gethtypes.NewLondonSigner(a.network), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return &SignedTx{
		ChainID: a.id,
		From:    prepared.From,
		TxID:    signedTx.Hash().Hex(),
		Raw:     raw,
		Body:    signedTx,
	}, nil
}

// reserveNonce returns the nonce to sign with. The pending nonce from the
// node may lag transactions this process signed moments ago.
func (a *EVMAdapter) reserveNonce(sender common.Address, pending uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := pending
	if next, ok := a.nonces[sender]; ok && next > n {
		n = next
	}
	a.nonces[sender] = n + 1
	return n
}

func (a *EVMAdapter) releaseNonces(sender common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nonces, sender)
}

func (a *EVMAdapter) Submit(ctx context.Context, signed *SignedTx) (*types.Submission, error) {
	tx, ok := signed.Body.(*gethtypes.Transaction)
	if !ok {
		tx = new(gethtypes.Transaction)
		if err := tx.UnmarshalBinary(signed.Raw); err != nil {
			return nil, Rejected(fmt.Errorf("malformed transaction: %w", err))
		}
	}
	sender := common.HexToAddress(signed.From)

	err := a.client.SendTransaction(ctx, tx)
	if err != nil && !strings.Contains(err.Error(), "already known") {
		if isRejection(err) {
			a.releaseNonces(sender)
			return nil, Rejected(err)
		}
		return nil, err
	}

	a.mu.Lock()
	list := append(a.submitted[sender], tx.Hash())
	if len(list) > maxLocalSubmitted {
		list = list[len(list)-maxLocalSubmitted:]
	}
	a.submitted[sender] = list
	a.mu.Unlock()

	return &types.Submission{TxID: tx.Hash().Hex(), Status: types.TxStatusPending}, nil
}

func isRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range rejectionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func (a *EVMAdapter) GetTransaction(ctx context.Context, txID string) (*types.Receipt, error) {
	raw, err := hexBytes(txID)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("%w: malformed transaction id %q", ErrInvalidPayload, txID)
	}
	hash := common.BytesToHash(raw)

	rcpt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil && !txNotFound(err) {
		return nil, NewAdapterError(a.id, "get_transaction", classifyRPCError(err), nil)
	}

	tx, _, txErr := a.client.TransactionByHash(ctx, hash)
	if txErr != nil && !txNotFound(txErr) {
		return nil, NewAdapterError(a.id, "get_transaction", classifyRPCError(txErr), nil)
	}
	if rcpt == nil && tx == nil {
		return nil, ErrTransactionNotFound
	}

	out := &types.Receipt{TxID: hash.Hex(), ChainID: a.id, Status: types.TxStatusPending}
	if tx != nil {
		a.describe(tx, out)
	}
	if rcpt != nil {
		out.Status = types.TxStatusFailed
		if rcpt.Status == gethtypes.ReceiptStatusSuccessful {
			out.Status = types.TxStatusSuccess
		}
		if rcpt.BlockNumber != nil {
			out.BlockNumber = rcpt.BlockNumber.Uint64()
		}
		if rcpt.EffectiveGasPrice != nil {
			fee := new(big.Int).Mul(rcpt.EffectiveGasPrice, new(big.Int).SetUint64(rcpt.GasUsed))
			out.Fee = fee.String()
		}
	}
	return out, nil
}

// txIndexingInProgress is geth's answer to lookups while its transaction
// index is still catching up. The transaction may exist but is not known yet.
const txIndexingInProgress = "transaction indexing is in progress"

func txNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), txIndexingInProgress)
}

func (a *EVMAdapter) describe(tx *gethtypes.Transaction, out *types.Receipt) {
	if from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(a.network), tx); err == nil {
		out.From = from.Hex()
	}
	if tx.To() == nil {
		return
	}
	if to, amount, ok := decodeERC20Transfer(tx.Data()); ok {
		out.Asset = tx.To().Hex()
		out.To = to.Hex()
		out.Amount = amount.String()
		return
	}
	out.Asset = types.NativeAsset
	out.To = tx.To().Hex()
	out.Amount = tx.Value().String()
}

func (a *EVMAdapter) GetHistory(ctx context.Context, address string, limit int) ([]types.Receipt, error) {
	addr, err := a.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if a.history != nil {
		receipts, err := a.history.History(ctx, addr, limit)
		if err != nil {
			return nil, NewAdapterError(a.id, "get_history", err, nil)
		}
		return receipts, nil
	}

	a.mu.Lock()
	hashes := append([]common.Hash(nil), a.submitted[common.HexToAddress(addr)]...)
	a.mu.Unlock()

	out := make([]types.Receipt, 0, len(hashes))
	for i := len(hashes) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		r, err := a.GetTransaction(ctx, hashes[i].Hex())
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// classifyRPCError marks network-level failures as transient. Replies from
// the node and the caller's own cancellation are not retried.
func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return Transient(err)
		}
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == rpcCodeLimitExceed {
			return Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Transient(err)
	}
	return err
}

func hexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return hex.DecodeString(s)
}

// zeroKey clears the private scalar.
func zeroKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}

var _ Adapter = (*EVMAdapter)(nil)
