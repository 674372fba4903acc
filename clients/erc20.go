package clients

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/paygate/types"
)

// ERC20 reads a token and builds approve calls. Decimals and symbol are
// immutable on every sane token and are cached after the first read.
type ERC20 struct {
	contract

	mu   sync.Mutex
	meta *types.TokenMetadata
}

func NewERC20(backend Backend, token common.Address) *ERC20 {
	return &ERC20{contract: contract{backend: backend, address: token, abi: ERC20ABI}}
}

func (t *ERC20) Address() common.Address {
	return t.address
}

func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callBig(ctx, MethodBalanceOf, owner)
}

// Allowance reads how much spender may move on owner's behalf.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (types.AllowanceState, error) {
	amount, err := t.callBig(ctx, MethodAllowance, owner, spender)
	if err != nil {
		return types.AllowanceState{}, err
	}
	return types.AllowanceState{
		Owner:     owner,
		Spender:   spender,
		Token:     t.address,
		AmountWei: amount,
	}, nil
}

// Decimals returns the token's base-unit exponent.
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	meta, err := t.Metadata(ctx)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// Metadata reads decimals and symbol once. A token without symbol() is
// still usable; its symbol is left empty.
func (t *ERC20) Metadata(ctx context.Context) (types.TokenMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.meta != nil {
		return *t.meta, nil
	}

	values, err := t.call(ctx, MethodDecimals)
	if err != nil {
		return types.TokenMetadata{}, fmt.Errorf("failed to read decimals of %s: %w", t.address.Hex(), err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return types.TokenMetadata{}, fmt.Errorf("decimals returned %T, want uint8", values[0])
	}

	meta := types.TokenMetadata{Address: t.address, Decimals: decimals}
	if values, err := t.call(ctx, MethodSymbol); err == nil {
		if s, ok := values[0].(string); ok {
			meta.Symbol = s
		}
	}

	t.meta = &meta
	return meta, nil
}

// ApproveData encodes approve(spender, amount).
func (t *ERC20) ApproveData(spender common.Address, amount *big.Int) ([]byte, error) {
	return t.abi.Pack(MethodApprove, spender, amount)
}

// Tokens hands out one ERC20 per address so metadata is read once per token.
type Tokens struct {
	backend Backend

	mu     sync.Mutex
	tokens map[common.Address]*ERC20
}

func NewTokens(backend Backend) *Tokens {
	return &Tokens{backend: backend, tokens: make(map[common.Address]*ERC20)}
}

func (r *Tokens) Get(token common.Address) *ERC20 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[token]; ok {
		return t
	}
	t := NewERC20(r.backend, token)
	r.tokens[token] = t
	return t
}
