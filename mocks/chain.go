// Package mocks provides an in-memory gateway chain and wallet. The chain
// decodes real ABI calldata, so the code under test talks to it exactly as
// it would to a node.
package mocks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/types"
	"github.com/vitwit/paygate/wallet"
)

// Gas charged per kind of call.
const (
	GasTransfer     = 21000
	GasApprove      = 46000
	GasPayWithETH   = 60000
	GasPayWithToken = 90000
)

// ErrInsufficientFunds mirrors the node error for an unaffordable value.
var ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")

// RevertError is what a node returns for a reverting call: code 3 with the
// revert payload as hex data.
type RevertError struct {
	Data   []byte
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return "execution reverted: " + e.Reason
	}
	return "execution reverted"
}

func (e *RevertError) ErrorCode() int { return 3 }
func (e *RevertError) ErrorData() any { return hexutil.Encode(e.Data) }

var stringType, _ = abi.NewType("string", "", nil)

// RevertWithReason encodes Error(string).
func RevertWithReason(reason string) *RevertError {
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	data := append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
	return &RevertError{Data: data, Reason: reason}
}

// RevertWithError encodes a custom error from the gateway or ERC-20 ABI.
func RevertWithError(name string, args ...any) *RevertError {
	e, ok := clients.GatewayABI.Errors[name]
	if !ok {
		e, ok = clients.ERC20ABI.Errors[name]
	}
	if !ok {
		panic("unknown custom error " + name)
	}
	packed, err := e.Inputs.Pack(args...)
	if err != nil {
		panic(err)
	}
	return &RevertError{Data: append(common.CopyBytes(e.ID[:4]), packed...)}
}

// Gateway is the state of the deployed PaymentGateway.
type Gateway struct {
	Deployed     bool
	Paused       bool
	FeeBps       uint64
	FeeRecipient common.Address
	DailyLimit   *big.Int
	TodayVolume  *big.Int
	MinPayment   *big.Int
	Supported    map[common.Address]bool
	Processed    map[[32]byte]bool

	// FailViews makes the named view methods fail with the given error.
	FailViews map[string]error
	// RevertSupported makes supportedTokens revert instead of answering.
	RevertSupported bool
}

// Token is an ERC-20 held by the chain.
type Token struct {
	Symbol     string
	Decimals   uint8
	Balances   map[common.Address]*big.Int
	Allowances map[common.Address]map[common.Address]*big.Int

	// RequiresReset rejects raising a nonzero allowance to another nonzero
	// value, the way USDT does.
	RequiresReset bool
	// IgnoreApprove accepts approve without changing the allowance.
	IgnoreApprove bool
	// FailCalls makes every view call to the token fail.
	FailCalls error
}

func NewToken(symbol string, decimals uint8) *Token {
	return &Token{
		Symbol:     symbol,
		Decimals:   decimals,
		Balances:   make(map[common.Address]*big.Int),
		Allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *Token) allowance(owner, spender common.Address) *big.Int {
	if v, ok := t.Allowances[owner][spender]; ok {
		return v
	}
	return new(big.Int)
}

func (t *Token) setAllowance(owner, spender common.Address, v *big.Int) {
	if t.Allowances[owner] == nil {
		t.Allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.Allowances[owner][spender] = new(big.Int).Set(v)
}

func (t *Token) balance(owner common.Address) *big.Int {
	if v, ok := t.Balances[owner]; ok {
		return v
	}
	return new(big.Int)
}

// SentTx is a transaction the chain mined.
type SentTx struct {
	Hash   common.Hash
	From   common.Address
	To     common.Address
	Value  *big.Int
	Data   []byte
	Gas    uint64
	Method string
	Status uint64
}

// Chain is a single-node chain with one gateway and any number of tokens.
// It satisfies clients.Backend and wallet.TxBackend.
type Chain struct {
	mu sync.Mutex

	ChainID        uint64
	GatewayAddress common.Address
	Gateway        *Gateway
	Tokens         map[common.Address]*Token
	ETH            map[common.Address]*big.Int
	BaseFee        *big.Int
	TipCap         *big.Int

	// EstimateErr, when set, fails every EstimateGas call.
	EstimateErr error
	// CodeErr, when set, fails every CodeAt call.
	CodeErr error

	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*ethtypes.Receipt
	block     uint64
	txs       []SentTx
	estimates []ethereum.CallMsg
	calls     map[string]int
}

var (
	_ clients.Backend  = (*Chain)(nil)
	_ wallet.TxBackend = (*Chain)(nil)
)

// NewChain returns Morph Holesky with a deployed, unpaused gateway
// charging 50 bps with a 0.001 ETH minimum and no daily limit.
func NewChain(gateway common.Address) *Chain {
	return &Chain{
		ChainID:        types.MorphHoleskyChainID,
		GatewayAddress: gateway,
		Gateway: &Gateway{
			Deployed:     true,
			FeeBps:       50,
			FeeRecipient: common.HexToAddress("0x000000000000000000000000000000000000fee1"),
			DailyLimit:   new(big.Int),
			TodayVolume:  new(big.Int),
			MinPayment:   big.NewInt(1e15),
			Supported:    make(map[common.Address]bool),
			Processed:    make(map[[32]byte]bool),
			FailViews:    make(map[string]error),
		},
		Tokens:   make(map[common.Address]*Token),
		ETH:      make(map[common.Address]*big.Int),
		BaseFee:  big.NewInt(1e9),
		TipCap:   big.NewInt(1e8),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
		block:    1,
		calls:    make(map[string]int),
	}
}

// Update runs fn with the chain locked, for tests that change state.
func (c *Chain) Update(fn func(c *Chain)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Fund sets the native balance of account.
func (c *Chain) Fund(account common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ETH[account] = new(big.Int).Set(wei)
}

// AddToken deploys t at address.
func (c *Chain) AddToken(address common.Address, t *Token, supported bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tokens[address] = t
	c.Gateway.Supported[address] = supported
}

// EstimateGasCalls returns how many times EstimateGas was called.
func (c *Chain) EstimateGasCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.estimates)
}

// Estimates returns the messages passed to EstimateGas.
func (c *Chain) Estimates() []ethereum.CallMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ethereum.CallMsg(nil), c.estimates...)
}

// Transactions returns every mined transaction in order.
func (c *Chain) Transactions() []SentTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentTx(nil), c.txs...)
}

// CallCount returns how many eth_calls hit the named method.
func (c *Chain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Chain) Balance(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.eth(account))
}

func (c *Chain) TokenBalance(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.Tokens[token].balance(owner))
}

func (c *Chain) Allowance(token, owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.Tokens[token].allowance(owner, spender))
}

func (c *Chain) eth(account common.Address) *big.Int {
	if v, ok := c.ETH[account]; ok {
		return v
	}
	return new(big.Int)
}

func (c *Chain) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["code"]++
	if c.CodeErr != nil {
		return nil, c.CodeErr
	}
	if account == c.GatewayAddress && c.Gateway.Deployed {
		return []byte{0x60, 0x80, 0x60, 0x40}, nil
	}
	if _, ok := c.Tokens[account]; ok {
		return []byte{0x60, 0x80, 0x60, 0x40}, nil
	}
	return nil, nil
}

func (c *Chain) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.eth(account)), nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.TipCap), nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, _ *big.Int) (*ethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ethtypes.Header{Number: new(big.Int).SetUint64(c.block), BaseFee: new(big.Int).Set(c.BaseFee)}, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.To == nil {
		return nil, errors.New("contract creation not supported")
	}
	if *msg.To == c.GatewayAddress {
		return c.callGateway(msg)
	}
	if t, ok := c.Tokens[*msg.To]; ok {
		return c.callToken(t, msg)
	}
	return nil, nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.estimates = append(c.estimates, msg)
	if c.EstimateErr != nil {
		return 0, c.EstimateErr
	}
	if msg.To == nil {
		return 0, errors.New("contract creation not supported")
	}
	_, gas, err := c.execute(msg.From, *msg.To, msg.Value, msg.Data, false)
	return gas, err
}

// Send mines a transaction built from wallet arguments and returns its hash.
// A transaction that reverts is still mined, with status 0.
func (c *Chain) Send(args wallet.TransactionArgs) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce := c.nonces[args.From]
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	hash := crypto.Keccak256Hash(args.From.Bytes(), buf, args.Data)

	var to common.Address
	if args.To != nil {
		to = *args.To
	}
	value := new(big.Int)
	if args.Value != nil {
		value = args.Value.ToInt()
	}
	var gas uint64
	if args.Gas != nil {
		gas = uint64(*args.Gas)
	}
	return hash, c.mine(hash, args.From, to, value, args.Data, gas)
}

// SendTransaction mines a signed transaction, recovering its sender.
func (c *Chain) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	signer := ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(c.ChainID))
	from, err := ethtypes.Sender(signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), c.nonces[from])
	}
	var to common.Address
	if tx.To() != nil {
		to = *tx.To()
	}
	return c.mine(tx.Hash(), from, to, tx.Value(), tx.Data(), tx.Gas())
}

func (c *Chain) mine(hash common.Hash, from, to common.Address, value *big.Int, data []byte, gas uint64) error {
	if value == nil {
		value = new(big.Int)
	}
	if c.eth(from).Cmp(value) < 0 {
		return ErrInsufficientFunds
	}

	method, used, err := c.execute(from, to, value, data, true)
	status := ethtypes.ReceiptStatusSuccessful
	if err != nil || used > gas {
		status = ethtypes.ReceiptStatusFailed
	}

	c.nonces[from]++
	c.block++
	c.txs = append(c.txs, SentTx{
		Hash:   hash,
		From:   from,
		To:     to,
		Value:  new(big.Int).Set(value),
		Data:   common.CopyBytes(data),
		Gas:    gas,
		Method: method,
		Status: status,
	})
	c.receipts[hash] = &ethtypes.Receipt{
		Status:      status,
		TxHash:      hash,
		GasUsed:     min(used, gas),
		BlockNumber: new(big.Int).SetUint64(c.block),
	}
	return nil
}

func (c *Chain) callGateway(msg ethereum.CallMsg) ([]byte, error) {
	g := c.Gateway
	if !g.Deployed {
		return nil, nil
	}
	method, args, err := decode(clients.GatewayABI, msg.Data)
	if err != nil {
		return nil, RevertWithReason(err.Error())
	}
	c.calls[method.Name]++
	if err := g.FailViews[method.Name]; err != nil {
		return nil, err
	}

	switch method.Name {
	case clients.MethodPaused:
		return method.Outputs.Pack(g.Paused)
	case clients.MethodFeeBps:
		return method.Outputs.Pack(new(big.Int).SetUint64(g.FeeBps))
	case clients.MethodFeeRecipient:
		return method.Outputs.Pack(g.FeeRecipient)
	case clients.MethodDailyPaymentLimit:
		return method.Outputs.Pack(g.DailyLimit)
	case clients.MethodGetTodayVolume:
		return method.Outputs.Pack(g.TodayVolume)
	case clients.MethodMinPaymentAmount:
		return method.Outputs.Pack(g.MinPayment)
	case clients.MethodCalculateFee:
		return method.Outputs.Pack(types.LocalFee(args[0].(*big.Int), g.FeeBps).FeeWei)
	case clients.MethodCalculateNetAmount:
		return method.Outputs.Pack(types.LocalFee(args[0].(*big.Int), g.FeeBps).NetWei)
	case clients.MethodSupportedTokens:
		if g.RevertSupported {
			return nil, RevertWithReason("supportedTokens unavailable")
		}
		return method.Outputs.Pack(g.Supported[args[0].(common.Address)])
	case clients.MethodPayWithETH, clients.MethodPayWithToken:
		if _, _, err := c.execute(msg.From, *msg.To, msg.Value, msg.Data, false); err != nil {
			return nil, err
		}
		return []byte{}, nil
	}
	return nil, RevertWithReason("unknown method")
}

func (c *Chain) callToken(t *Token, msg ethereum.CallMsg) ([]byte, error) {
	method, args, err := decode(clients.ERC20ABI, msg.Data)
	if err != nil {
		return nil, RevertWithReason(err.Error())
	}
	c.calls[method.Name]++
	if t.FailCalls != nil {
		return nil, t.FailCalls
	}

	switch method.Name {
	case clients.MethodBalanceOf:
		return method.Outputs.Pack(t.balance(args[0].(common.Address)))
	case clients.MethodDecimals:
		return method.Outputs.Pack(t.Decimals)
	case clients.MethodSymbol:
		return method.Outputs.Pack(t.Symbol)
	case clients.MethodAllowance:
		return method.Outputs.Pack(t.allowance(args[0].(common.Address), args[1].(common.Address)))
	}
	return nil, RevertWithReason("unknown method")
}

// execute runs a state-changing call. Without commit it only checks that
// the call would succeed, as eth_estimateGas does.
func (c *Chain) execute(from, to common.Address, value *big.Int, data []byte, commit bool) (string, uint64, error) {
	if value == nil {
		value = new(big.Int)
	}

	if to == c.GatewayAddress && c.Gateway.Deployed {
		method, args, err := decode(clients.GatewayABI, data)
		if err != nil {
			return "", GasTransfer, RevertWithReason(err.Error())
		}
		switch method.Name {
		case clients.MethodPayWithETH:
			return method.Name, GasPayWithETH, c.payWithETH(from, args[0].(common.Address), args[1].([32]byte), value, commit)
		case clients.MethodPayWithToken:
			return method.Name, GasPayWithToken, c.payWithToken(from, args[0].(common.Address), args[1].(*big.Int),
				args[2].(common.Address), args[3].([32]byte), commit)
		}
		return method.Name, GasTransfer, RevertWithReason("not a state-changing method")
	}

	if t, ok := c.Tokens[to]; ok {
		method, args, err := decode(clients.ERC20ABI, data)
		if err != nil {
			return "", GasTransfer, RevertWithReason(err.Error())
		}
		if method.Name != clients.MethodApprove {
			return method.Name, GasTransfer, RevertWithReason("not supported")
		}
		spender, amount := args[0].(common.Address), args[1].(*big.Int)
		if t.RequiresReset && t.allowance(from, spender).Sign() > 0 && amount.Sign() > 0 {
			return method.Name, GasApprove, RevertWithReason("approve from non-zero to non-zero allowance")
		}
		if commit && !t.IgnoreApprove {
			t.setAllowance(from, spender, amount)
		}
		return method.Name, GasApprove, nil
	}

	if c.eth(from).Cmp(value) < 0 {
		return "", GasTransfer, ErrInsufficientFunds
	}
	if commit {
		c.transfer(from, to, value)
	}
	return "", GasTransfer, nil
}

func (c *Chain) payWithETH(from, vendor common.Address, id [32]byte, value *big.Int, commit bool) error {
	g := c.Gateway
	if g.Paused {
		return RevertWithError(clients.RevertEnforcedPause)
	}
	if value.Cmp(g.MinPayment) < 0 {
		return RevertWithError(clients.RevertPaymentTooSmall, value, g.MinPayment)
	}
	if g.Processed[id] {
		return RevertWithError(clients.RevertPaymentAlreadyProcessed, id)
	}
	if g.DailyLimit.Sign() > 0 {
		remaining := new(big.Int).Sub(g.DailyLimit, g.TodayVolume)
		if value.Cmp(remaining) > 0 {
			return RevertWithError(clients.RevertDailyLimitExceeded, value, remaining)
		}
	}
	if c.eth(from).Cmp(value) < 0 {
		return ErrInsufficientFunds
	}
	if !commit {
		return nil
	}

	fee := types.LocalFee(value, g.FeeBps)
	c.ETH[from] = new(big.Int).Sub(c.eth(from), value)
	c.ETH[g.FeeRecipient] = new(big.Int).Add(c.eth(g.FeeRecipient), fee.FeeWei)
	c.ETH[vendor] = new(big.Int).Add(c.eth(vendor), fee.NetWei)
	g.Processed[id] = true
	g.TodayVolume = new(big.Int).Add(g.TodayVolume, value)
	return nil
}

func (c *Chain) payWithToken(from, token common.Address, amount *big.Int, vendor common.Address, id [32]byte, commit bool) error {
	g := c.Gateway
	if g.Paused {
		return RevertWithError(clients.RevertEnforcedPause)
	}
	if !g.Supported[token] {
		return RevertWithError(clients.RevertTokenNotSupported, token)
	}
	if amount.Sign() <= 0 {
		return RevertWithReason("amount must be positive")
	}
	if g.Processed[id] {
		return RevertWithError(clients.RevertPaymentAlreadyProcessed, id)
	}

	t := c.Tokens[token]
	if allowed := t.allowance(from, c.GatewayAddress); allowed.Cmp(amount) < 0 {
		return RevertWithError(clients.RevertERC20InsufficientAllowance, c.GatewayAddress, allowed, amount)
	}
	if bal := t.balance(from); bal.Cmp(amount) < 0 {
		return RevertWithError(clients.RevertERC20InsufficientBalance, from, bal, amount)
	}
	if !commit {
		return nil
	}

	fee := types.LocalFee(amount, g.FeeBps)
	t.setAllowance(from, c.GatewayAddress, new(big.Int).Sub(t.allowance(from, c.GatewayAddress), amount))
	t.Balances[from] = new(big.Int).Sub(t.balance(from), amount)
	t.Balances[g.FeeRecipient] = new(big.Int).Add(t.balance(g.FeeRecipient), fee.FeeWei)
	t.Balances[vendor] = new(big.Int).Add(t.balance(vendor), fee.NetWei)
	g.Processed[id] = true
	return nil
}

func (c *Chain) transfer(from, to common.Address, value *big.Int) {
	c.ETH[from] = new(big.Int).Sub(c.eth(from), value)
	c.ETH[to] = new(big.Int).Add(c.eth(to), value)
}

func decode(contract abi.ABI, data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("calldata too short")
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s arguments: %w", method.Name, err)
	}
	return method, args, nil
}
