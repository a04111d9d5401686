// Package chain is the blockchain client adapter: JSON-RPC access, contract
// ABIs, log decoding and signed contract transactions for the options
// protocol.
package chain

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds RPC, contract and signer settings.
type Config struct {
	RPCURL  string `yaml:"rpc_url"`
	ChainID uint64 `yaml:"chain_id"`

	Market       string `yaml:"market"`
	MarginEngine string `yaml:"margin_engine"`
	IVOracle     string `yaml:"iv_oracle"`
	PriceOracle  string `yaml:"price_oracle"`

	// SignerKey is a hex secp256k1 private key. Read-only processes (indexer,
	// scheduler) may leave it empty.
	SignerKey string `yaml:"signer_key"`

	CallTimeout         time.Duration `yaml:"call_timeout"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`

	// GasMultiplierPct pads estimated gas, in percent (120 = +20%).
	GasMultiplierPct uint64 `yaml:"gas_multiplier_pct"`

	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DefaultConfig returns defaults for a local node.
func DefaultConfig() Config {
	return Config{
		RPCURL:              "http://localhost:8545",
		CallTimeout:         15 * time.Second,
		ConfirmTimeout:      2 * time.Minute,
		ReceiptPollInterval: 2 * time.Second,
		GasMultiplierPct:    120,
		MaxRetries:          3,
		RetryInterval:       5 * time.Second,
	}
}

// Validate checks the RPC url and contract addresses.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	for name, addr := range map[string]string{
		"chain.market":        c.Market,
		"chain.margin_engine": c.MarginEngine,
		"chain.iv_oracle":     c.IVOracle,
		"chain.price_oracle":  c.PriceOracle,
	} {
		if !common.IsHexAddress(addr) {
			return errors.New(name + " must be a hex address")
		}
	}
	return nil
}

// Addresses are the parsed contract addresses.
type Addresses struct {
	Market       common.Address
	MarginEngine common.Address
	IVOracle     common.Address
	PriceOracle  common.Address
}

// Addresses parses the configured contract addresses.
func (c Config) Addresses() Addresses {
	return Addresses{
		Market:       common.HexToAddress(c.Market),
		MarginEngine: common.HexToAddress(c.MarginEngine),
		IVOracle:     common.HexToAddress(c.IVOracle),
		PriceOracle:  common.HexToAddress(c.PriceOracle),
	}
}
