package ledger

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
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the Ethereum RPC used by EVMClient.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial opens an RPC connection to endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EVMOptions configures an EVMClient.
type EVMOptions struct {
	ChainID             uint64
	Key                 *ecdsa.PrivateKey
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	Logger              *slog.Logger
}

// EVMClient implements Client against an EVM node, signing with the
// facilitator key.
type EVMClient struct {
	backend        Backend
	chainID        *big.Int
	key            *ecdsa.PrivateKey
	from           common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger

	// sendMu keeps nonce allocation and broadcast ordered for the one
	// signing account.
	sendMu sync.Mutex
}

// NewEVMClient constructs a client. A nil key yields a read-only client.
func NewEVMClient(backend Backend, opts EVMOptions) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if opts.ChainID == 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	c := &EVMClient{
		backend:        backend,
		chainID:        new(big.Int).SetUint64(opts.ChainID),
		key:            opts.Key,
		confirmTimeout: opts.ConfirmationTimeout,
		pollInterval:   opts.PollInterval,
		logger:         opts.Logger,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 2 * time.Minute
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if opts.Key != nil {
		c.from = gethcrypto.PubkeyToAddress(opts.Key.PublicKey)
	}
	return c, nil
}

// ChainID implements Client.
func (c *EVMClient) ChainID() uint64 {
	return c.chainID.Uint64()
}

// Facilitator implements Client.
func (c *EVMClient) Facilitator() common.Address {
	return c.from
}

// TokenBalance implements Client.
func (c *EVMClient) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: balanceOf %s: %w", owner.Hex(), err)
	}
	return unpackUint("balanceOf", out)
}

// Allowance implements Client.
func (c *EVMClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode allowance: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: allowance %s: %w", owner.Hex(), err)
	}
	return unpackUint("allowance", out)
}

// NativeBalance implements Client.
func (c *EVMClient) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: native balance %s: %w", account.Hex(), err)
	}
	return balance, nil
}

// TransferWithAuthorization implements Client.
func (c *EVMClient) TransferWithAuthorization(ctx context.Context, token common.Address, auth Authorization) (common.Hash, error) {
	data, err := tokenABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, auth.V, auth.R, auth.S)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: encode transferWithAuthorization: %w", err)
	}
	return c.submit(ctx, token, data)
}

// Transfer implements Client.
func (c *EVMClient) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: encode transfer: %w", err)
	}
	return c.submit(ctx, token, data)
}

// TransferFrom implements Client.
func (c *EVMClient) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := tokenABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: encode transferFrom: %w", err)
	}
	return c.submit(ctx, token, data)
}

// ReceiptStatus implements Client.
func (c *EVMClient) ReceiptStatus(ctx context.Context, txHash common.Hash) (ReceiptState, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptUnknown, nil
		}
		return ReceiptUnknown, fmt.Errorf("ledger: fetch receipt: %w", err)
	}
	if receipt == nil {
		return ReceiptUnknown, nil
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		return ReceiptSucceeded, nil
	}
	return ReceiptFailed, nil
}

func (c *EVMClient) submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	hash, err := c.broadcast(ctx, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	c.logger.Debug("ledger transaction broadcast",
		slog.Uint64("chain_id", c.ChainID()),
		slog.String("tx_hash", hash.Hex()))
	return hash, c.waitForReceipt(ctx, hash)
}

func (c *EVMClient) broadcast(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: estimate gas: %w", err)
	}
	gas += gas / 5

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: send transaction: %w", err)
	}
	return signed.Hash(), nil
}

func (c *EVMClient) waitForReceipt(ctx context.Context, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		state, err := c.ReceiptStatus(waitCtx, hash)
		if err == nil {
			switch state {
			case ReceiptSucceeded:
				return nil
			case ReceiptFailed:
				return fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
		} else {
			c.logger.Warn("ledger receipt poll failed",
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}
