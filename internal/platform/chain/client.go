package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrNotConnected = errors.New("chain client not connected")
	ErrNoSigner     = errors.New("no signer key configured")
	// ErrReverted marks a call or transaction rejected by contract logic.
	// Retrying it without a state change cannot succeed.
	ErrReverted = errors.New("execution reverted")
)

// Client wraps ethclient with connection retry, per-call timeouts and a
// serialised transaction signer.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	client    *ethclient.Client
	rpcClient *rpc.Client
	chainID   *big.Int
	connected bool

	key  *ecdsa.PrivateKey
	from common.Address
	// sendMu serialises nonce allocation across concurrent jobs.
	sendMu sync.Mutex
}

// NewClient parses the signer key (if any) and returns an unconnected client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "chain-client"),
	}
	if cfg.SignerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	if cfg.ChainID != 0 {
		c.chainID = new(big.Int).SetUint64(cfg.ChainID)
	}
	return c, nil
}

// Connect dials the RPC endpoint, retrying up to MaxRetries times.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("connecting to RPC", "url", c.cfg.RPCURL)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		c.rpcClient, err = rpc.DialContext(ctx, c.cfg.RPCURL)
		if err != nil {
			c.logger.Warn("connection failed", "error", err, "attempt", attempt)
			continue
		}
		client := ethclient.NewClient(c.rpcClient)

		var id *big.Int
		callCtx, cancel := c.withTimeout(ctx)
		id, err = client.ChainID(callCtx)
		cancel()
		if err != nil {
			c.logger.Warn("chain ID check failed", "error", err)
			client.Close()
			continue
		}
		if c.chainID != nil && c.chainID.Cmp(id) != 0 {
			client.Close()
			return fmt.Errorf("chain id mismatch: configured %s, node reports %s", c.chainID, id)
		}

		c.client = client
		c.chainID = id
		c.connected = true
		c.logger.Info("connected", "chain_id", id, "signer", c.signerLabel())
		return nil
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", c.cfg.MaxRetries, err)
}

func (c *Client) signerLabel() string {
	if c.key == nil {
		return "none"
	}
	return c.from.Hex()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.connected = false
	}
	return nil
}

// IsConnected reports whether Connect succeeded and Close was not called.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) eth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.eth()
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return client.BlockNumber(ctx)
}

// BlockTimestamp returns the unix timestamp of a block.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	client, err := c.eth()
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", number, err)
	}
	return header.Time, nil
}

// FilterLogs returns the logs a single contract emitted in [from, to].
func (c *Client) FilterLogs(ctx context.Context, address common.Address, from, to uint64) ([]types.Log, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
	})
}

// Call executes a read-only contract call at the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := client.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Transact signs and sends a transaction calling to with data, then waits for
// its receipt. A mined but failed transaction returns the receipt together
// with ErrReverted.
func (c *Client) Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	hash, err := c.send(ctx, to, data)
	if err != nil {
		return nil, err
	}
	return c.WaitMined(ctx, hash)
}

func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	client, err := c.eth()
	if err != nil {
		return common.Hash{}, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	msg := ethereum.CallMsg{From: c.from, To: &to, Data: data}
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", classify(err))
	}
	if c.cfg.GasMultiplierPct > 100 {
		gas = gas * c.cfg.GasMultiplierPct / 100
	}
	nonce, err := client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", classify(err))
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas tip: %w", err)
		}
		tx = dynamicFeeTx(c.chainID, nonce, to, gas, tip, head.BaseFee, data)
	} else {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: gas, GasPrice: gasPrice, Data: data})
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", classify(err))
	}

	c.logger.Debug("transaction sent", "tx_hash", signed.Hash().Hex(), "to", to.Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

// dynamicFeeTx builds an EIP-1559 transaction whose fee cap covers the tip
// plus two doublings of the current base fee.
func dynamicFeeTx(chainID *big.Int, nonce uint64, to common.Address, gas uint64, tip, baseFee *big.Int, data []byte) *types.Transaction {
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		To:        &to,
		Gas:       gas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
}

// WaitMined polls for the receipt of hash until ConfirmTimeout elapses.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	client, err := c.eth()
	if err != nil {
		return nil, err
	}
	if c.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
		defer cancel()
	}
	interval := c.cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("tx %s: %w", hash.Hex(), ErrReverted)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			c.logger.Warn("receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// classify maps node revert errors onto ErrReverted.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return err
}
