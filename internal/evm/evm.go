// Package evm wraps go-ethereum for the contract calls tubekeeper makes.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of an RPC client the chain needs.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Chain serializes transactions from a single signer.
type Chain struct {
	backend        Backend
	signer         *bind.TransactOpts
	receiptTimeout time.Duration
	log            *slog.Logger

	mu sync.Mutex
}

type Options struct {
	ReceiptTimeout time.Duration
	Logger         *slog.Logger
}

// Dial connects to rpcURL. hexKey may be empty for a read-only chain.
func Dial(ctx context.Context, rpcURL, hexKey string, chainID int64, opts Options) (*Chain, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if chainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("chain id: %w", err)
		}
		chainID = id.Int64()
	}
	var signer *bind.TransactOpts
	if hexKey != "" {
		signer, err = Signer(hexKey, chainID)
		if err != nil {
			client.Close()
			return nil, err
		}
	}
	return New(client, signer, opts), nil
}

// Signer builds transact options from a hex private key.
func Signer(hexKey string, chainID int64) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
}

func New(backend Backend, signer *bind.TransactOpts, opts Options) *Chain {
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Chain{
		backend:        backend,
		signer:         signer,
		receiptTimeout: opts.ReceiptTimeout,
		log:            opts.Logger.With("module", "evm"),
	}
}

// From returns the signer address, or the zero address for read-only chains.
func (c *Chain) From() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.From
}

// Contract is a bound contract plus its parsed ABI.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
	bound   *bind.BoundContract
}

// MustParseABI parses an ABI JSON literal compiled into the binary.
func MustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

func (c *Chain) Bind(name string, addr common.Address, parsed abi.ABI) *Contract {
	return &Contract{
		Name:    name,
		Address: addr,
		ABI:     parsed,
		bound:   bind.NewBoundContract(addr, parsed, c.backend, c.backend, c.backend),
	}
}

// Call invokes a view method and returns its raw outputs.
func (c *Chain) Call(ctx context.Context, ct *Contract, method string, args ...any) ([]any, error) {
	var out []any
	if err := ct.bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, c.wrap(ct, method, err)
	}
	return out, nil
}

// Send submits a transaction and waits for it to be mined.
func (c *Chain) Send(ctx context.Context, ct *Contract, value *big.Int, method string, args ...any) (*types.Receipt, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%s.%s: no signing key configured", ct.Name, method)
	}
	tx, err := c.transact(ctx, ct, value, method, args...)
	if err != nil {
		return nil, c.wrap(ct, method, err)
	}
	c.log.Info("transaction sent", "event", "tx_sent", "contract", ct.Name, "method", method, "tx", tx.Hash().Hex())

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: wait mined %s: %w", ct.Name, method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &RevertError{Contract: ct.Name, Method: method, Reason: "transaction reverted", TxHash: tx.Hash().Hex()}
	}
	return receipt, nil
}

func (c *Chain) transact(ctx context.Context, ct *Contract, value *big.Int, method string, args ...any) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := *c.signer
	opts.Context = ctx
	opts.Value = value
	return ct.bound.Transact(&opts, method, args...)
}

// BlockTime returns the timestamp of the given block.
func (c *Chain) BlockTime(ctx context.Context, number *big.Int) (uint64, error) {
	header, err := c.backend.HeaderByNumber(ctx, number)
	if err != nil {
		return 0, fmt.Errorf("header %v: %w", number, err)
	}
	return header.Time, nil
}

func (c *Chain) wrap(ct *Contract, method string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if reason, ok := RevertReason(err, &ct.ABI); ok {
		return &RevertError{Contract: ct.Name, Method: method, Reason: reason}
	}
	return fmt.Errorf("%s.%s: %w", ct.Name, method, err)
}
