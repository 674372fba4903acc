package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NativeCurrency describes the gas token of a chain as wallets expect it
// in wallet_addEthereumChain.
type NativeCurrency struct {
	Name     string `json:"name" validate:"required"`
	Symbol   string `json:"symbol" validate:"required"`
	Decimals uint8  `json:"decimals" validate:"required"`
}

// ChainParams is the full definition of a network, enough for a wallet to
// add it when it does not know the chain yet.
type ChainParams struct {
	ChainID        uint64         `json:"chainId" validate:"required"`
	Name           string         `json:"name" validate:"required"`
	RPCURL         string         `json:"rpcUrl" validate:"required,url"`
	ExplorerURL    string         `json:"explorerUrl" validate:"required,url"`
	NativeCurrency NativeCurrency `json:"nativeCurrency"`
}

// Morph Holesky testnet.
const (
	MorphHoleskyChainID     uint64 = 2810
	MorphHoleskyRPCURL             = "https://rpc-holesky.morphl2.io"
	MorphHoleskyExplorerURL        = "https://explorer-holesky.morphl2.io"
)

// MorphHolesky returns the parameters of the default target chain.
func MorphHolesky() ChainParams {
	return ChainParams{
		ChainID:     MorphHoleskyChainID,
		Name:        "Morph Holesky",
		RPCURL:      MorphHoleskyRPCURL,
		ExplorerURL: MorphHoleskyExplorerURL,
		NativeCurrency: NativeCurrency{
			Name:     "Ether",
			Symbol:   "ETH",
			Decimals: 18,
		},
	}
}

// ChainIDHex returns the chain id as a 0x-prefixed quantity, e.g. "0xafa".
func (c ChainParams) ChainIDHex() string {
	return hexutil.EncodeUint64(c.ChainID)
}

// ChainIDBig returns the chain id as a big.Int for transaction signing.
func (c ChainParams) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}

// TxURL returns the explorer page of a transaction.
func (c ChainParams) TxURL(hash string) string {
	return fmt.Sprintf("%s/tx/%s", strings.TrimSuffix(c.ExplorerURL, "/"), hash)
}

// AddressURL returns the explorer page of an account or contract.
func (c ChainParams) AddressURL(address string) string {
	return fmt.Sprintf("%s/address/%s", strings.TrimSuffix(c.ExplorerURL, "/"), address)
}

// AddChainParameter is the EIP-3085 payload for wallet_addEthereumChain.
type AddChainParameter struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
}

// AddChainParameter converts the params into the wallet request payload.
func (c ChainParams) AddChainParameter() AddChainParameter {
	p := AddChainParameter{
		ChainID:        c.ChainIDHex(),
		ChainName:      c.Name,
		RPCURLs:        []string{c.RPCURL},
		NativeCurrency: c.NativeCurrency,
	}
	if c.ExplorerURL != "" {
		p.BlockExplorerURLs = []string{c.ExplorerURL}
	}
	return p
}

// ChainParams converts a wallet_addEthereumChain payload back into params.
func (p AddChainParameter) ChainParams() (ChainParams, error) {
	id, err := hexutil.DecodeUint64(p.ChainID)
	if err != nil {
		return ChainParams{}, fmt.Errorf("invalid chainId %q: %w", p.ChainID, err)
	}
	if len(p.RPCURLs) == 0 {
		return ChainParams{}, fmt.Errorf("chain %s has no rpcUrls", p.ChainID)
	}
	c := ChainParams{
		ChainID:        id,
		Name:           p.ChainName,
		RPCURL:         p.RPCURLs[0],
		NativeCurrency: p.NativeCurrency,
	}
	if len(p.BlockExplorerURLs) > 0 {
		c.ExplorerURL = p.BlockExplorerURLs[0]
	}
	return c, nil
}
