package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/better-wallet/agentvault/pkg/types"
)

const (
	sandboxAddressPrefix = "sbx1"
	sandboxDefaultPath   = "m/44'/1'/0'/0'"
)

// ErrSandboxTimeout is what an injected lost acknowledgement returns.
var ErrSandboxTimeout = errors.New("sandbox: broadcast acknowledgement lost")

// Sandbox is an in-process ledger with ed25519 accounts and per-asset
// balances. It is used for development and tests.
type Sandbox struct {
	mu           sync.Mutex
	balances     map[string]map[string]*big.Int
	nonces       map[string]uint64
	txs          map[string]*sandboxTx
	byAddress    map[string][]string
	confirmAfter int
	injected     []sandboxFault
}

type sandboxFault int

const (
	faultUnreachable sandboxFault = iota + 1
	faultLostAck
)

type sandboxTx struct {
	receipt types.Receipt
	final   types.TxStatus
	polls   int
}

// sandboxTransfer is the signed body of a sandbox transaction.
type sandboxTransfer struct {
	Chain  string `json:"chain"`
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Nonce  uint64 `json:"nonce"`
	Memo   string `json:"memo,omitempty"`
}

type sandboxEnvelope struct {
	Body      sandboxTransfer `json:"body"`
	PublicKey string          `json:"public_key"`
	Signature string          `json:"signature"`
}

// NewSandbox creates an empty ledger. confirmAfter is the number of
// GetTransaction polls that report Pending before the final status.
func NewSandbox(confirmAfter int) *Sandbox {
	return &Sandbox{
		balances:     make(map[string]map[string]*big.Int),
		nonces:       make(map[string]uint64),
		txs:          make(map[string]*sandboxTx),
		byAddress:    make(map[string][]string),
		confirmAfter: confirmAfter,
	}
}

// Credit adds amount of asset to address.
func (s *Sandbox) Credit(address, asset string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(strings.ToLower(address), asset, amount)
}

func (s *Sandbox) credit(address, asset string, amount *big.Int) {
	assets, ok := s.balances[address]
	if !ok {
		assets = make(map[string]*big.Int)
		s.balances[address] = assets
	}
	cur, ok := assets[asset]
	if !ok {
		cur = new(big.Int)
		assets[asset] = cur
	}
	cur.Add(cur, amount)
}

// Balance returns the balance of one asset.
func (s *Sandbox) Balance(address, asset string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.balances[strings.ToLower(address)][asset]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// FailNextSubmit makes the next submission fail before reaching the ledger.
func (s *Sandbox) FailNextSubmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, faultUnreachable)
}

// LoseNextAck applies the next submission but reports a timeout, as a node
// that accepted a transaction and then dropped the connection would.
func (s *Sandbox) LoseNextAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, faultLostAck)
}

func (s *Sandbox) nextFault() sandboxFault {
	if len(s.injected) == 0 {
		return 0
	}
	f := s.injected[0]
	s.injected = s.injected[1:]
	return f
}

// SandboxAdapter exposes a Sandbox ledger as a chain adapter.
type SandboxAdapter struct {
	id     string
	ledger *Sandbox

	mu       sync.Mutex
	reserved map[string]uint64
}

// NewSandboxAdapter registers ledger under chain id "sandbox" or
// "sandbox:<network>".
func NewSandboxAdapter(network string, ledger *Sandbox) *SandboxAdapter {
	id := types.ChainKindSandbox
	if network != "" {
		id = types.ChainKindSandbox + ":" + network
	}
	return &SandboxAdapter{id: id, ledger: ledger, reserved: make(map[string]uint64)}
}

// Ledger returns the underlying ledger.
func (a *SandboxAdapter) Ledger() *Sandbox {
	return a.ledger
}

func (a *SandboxAdapter) ChainID() string {
	return a.id
}

func (a *SandboxAdapter) GenerateSecret() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return seed, nil
}

func sandboxAddress(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return sandboxAddressPrefix + hex.EncodeToString(sum[:20])
}

func (a *SandboxAdapter) DeriveAddress(secret []byte) (string, error) {
	if len(secret) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSecret, ed25519.SeedSize, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret)
	defer clear(priv)
	return sandboxAddress(priv.Public().(ed25519.PublicKey)), nil
}

func (a *SandboxAdapter) DeriveFromSeed(seed []byte, path string) ([]byte, error) {
	return DeriveEd25519(seed, path)
}

func (a *SandboxAdapter) DefaultDerivationPath() string {
	return sandboxDefaultPath
}

func (a *SandboxAdapter) NormalizeAddress(address string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(addr, sandboxAddressPrefix) || len(addr) != len(sandboxAddressPrefix)+40 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if _, err := hex.DecodeString(addr[len(sandboxAddressPrefix):]); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return addr, nil
}

func (a *SandboxAdapter) GetBalance(ctx context.Context, address string) (*types.Balances, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := a.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	s := a.ledger
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &types.Balances{ChainID: a.id, Address: addr, Assets: []types.AssetBalance{}}
	for asset, amount := range s.balances[addr] {
		out.Assets = append(out.Assets, types.AssetBalance{Asset: asset, Amount: amount.String()})
	}
	sort.Slice(out.Assets, func(i, j int) bool { return out.Assets[i].Asset < out.Assets[j].Asset })
	return out, nil
}

func (a *SandboxAdapter) Prepare(ctx context.Context, from string, payload types.UnsignedPayload) (*PreparedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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
	if payload.Asset == "" {
		return nil, fmt.Errorf("%w: asset is required", ErrInvalidPayload)
	}

	s := a.ledger
	s.mu.Lock()
	nonce := s.nonces[fromAddr]
	s.mu.Unlock()

	return &PreparedTx{
		ChainID: a.id,
		From:    fromAddr,
		Payload: payload,
		Body: sandboxTransfer{
			Chain:  a.id,
			From:   fromAddr,
			To:     toAddr,
			Asset:  payload.Asset,
			Amount: payload.Amount.String(),
			Nonce:  nonce,
			Memo:   payload.Memo,
		},
	}, nil
}

func (a *SandboxAdapter) Sign(prepared *PreparedTx, secret []byte) (*SignedTx, error) {
	body, ok := prepared.Body.(sandboxTransfer)
	if !ok {
		return nil, fmt.Errorf("%w: not a sandbox transaction", ErrInvalidPayload)
	}
	if len(secret) != ed25519.SeedSize {
		return nil, ErrInvalidSecret
	}
	priv := ed25519.NewKeyFromSeed(secret)
	defer clear(priv)

	pub := priv.Public().(ed25519.PublicKey)
	if sandboxAddress(pub) != body.From {
		return nil, ErrSecretMismatch
	}

	body.Nonce = a.reserveNonce(body.From, body.Nonce)

	msg, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	sig := ed25519.Sign(priv, msg)
	raw, err := json.Marshal(sandboxEnvelope{
		Body:      body,
		PublicKey: hex.EncodeToString(pub),
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	txHash := sha256.Sum256(msg)

	return &SignedTx{
		ChainID: a.id,
		From:    body.From,
		TxID:    hex.EncodeToString(txHash[:]),
		Raw:     raw,
	}, nil
}

// reserveNonce hands out sequence numbers so that transactions prepared
// concurrently and signed one after another do not collide.
func (a *SandboxAdapter) reserveNonce(from string, ledgerNonce uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := ledgerNonce
	if r, ok := a.reserved[from]; ok && r > n {
		n = r
	}
	a.reserved[from] = n + 1
	return n
}

func (a *SandboxAdapter) releaseNonces(from string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, from)
}

func (a *SandboxAdapter) Submit(ctx context.Context, signed *SignedTx) (*types.Submission, error) {
	sub, err := a.submit(signed)
	if IsRejected(err) {
		a.releaseNonces(signed.From)
	}
	return sub, err
}

func (a *SandboxAdapter) submit(signed *SignedTx) (*types.Submission, error) {
	s := a.ledger
	s.mu.Lock()
	defer s.mu.Unlock()

	fault := s.nextFault()
	if fault == faultUnreachable {
		return nil, Transient(errors.New("sandbox: node unreachable"))
	}

	var env sandboxEnvelope
	if err := json.Unmarshal(signed.Raw, &env); err != nil {
		return nil, Rejected(fmt.Errorf("malformed transaction: %w", err))
	}
	pub, err := hex.DecodeString(env.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, Rejected(errors.New("malformed public key"))
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, Rejected(errors.New("malformed signature"))
	}
	msg, err := json.Marshal(env.Body)
	if err != nil {
		return nil, Rejected(err)
	}
	if !ed25519.Verify(pub, msg, sig) || sandboxAddress(pub) != env.Body.From {
		return nil, Rejected(errors.New("invalid signature"))
	}
	if env.Body.Chain != a.id {
		return nil, Rejected(fmt.Errorf("transaction is for chain %s", env.Body.Chain))
	}

	sum := sha256.Sum256(msg)
	txID := hex.EncodeToString(sum[:])
	if _, exists := s.txs[txID]; exists {
		return &types.Submission{TxID: txID, Status: types.TxStatusPending}, nil
	}
	if want := s.nonces[env.Body.From]; env.Body.Nonce != want {
		return nil, Rejected(fmt.Errorf("nonce mismatch: expected %d, got %d", want, env.Body.Nonce))
	}

	amount, ok := new(big.Int).SetString(env.Body.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, Rejected(errors.New("invalid amount"))
	}

	s.nonces[env.Body.From]++
	final := types.TxStatusFailed
	if bal := s.balances[env.Body.From][env.Body.Asset]; bal != nil && bal.Cmp(amount) >= 0 {
		bal.Sub(bal, amount)
		s.credit(env.Body.To, env.Body.Asset, amount)
		final = types.TxStatusSuccess
	}

	s.txs[txID] = &sandboxTx{
		final: final,
		receipt: types.Receipt{
			TxID:        txID,
			ChainID:     a.id,
			From:        env.Body.From,
			To:          env.Body.To,
			Asset:       env.Body.Asset,
			Amount:      env.Body.Amount,
			Fee:         "0",
			BlockNumber: uint64(len(s.txs) + 1),
			Timestamp:   time.Now().UTC(),
		},
	}
	s.byAddress[env.Body.From] = append(s.byAddress[env.Body.From], txID)
	if env.Body.To != env.Body.From {
		s.byAddress[env.Body.To] = append(s.byAddress[env.Body.To], txID)
	}

	if fault == faultLostAck {
		return nil, ErrSandboxTimeout
	}
	return &types.Submission{TxID: txID, Status: types.TxStatusPending}, nil
}

func (a *SandboxAdapter) GetTransaction(ctx context.Context, txID string) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := a.ledger
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[strings.ToLower(txID)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	r := tx.receipt
	if tx.polls < s.confirmAfter {
		tx.polls++
		r.Status = types.TxStatusPending
	} else {
		r.Status = tx.final
	}
	return &r, nil
}

func (a *SandboxAdapter) GetHistory(ctx context.Context, address string, limit int) ([]types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := a.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	s := a.ledger
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAddress[addr]
	out := make([]types.Receipt, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		tx := s.txs[ids[i]]
		r := tx.receipt
		r.Status = tx.final
		if tx.polls < s.confirmAfter {
			r.Status = types.TxStatusPending
		}
		out = append(out, r)
	}
	return out, nil
}

var _ Adapter = (*SandboxAdapter)(nil)
