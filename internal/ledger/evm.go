package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// escrowABI is the custody contract surface the engine relies on.
const escrowABI = `[
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"name":"lock","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"fee","type":"uint256"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"escrows","outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"state","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// On-chain custody states as reported by escrows(id).
const (
	chainNone     uint8 = 0
	chainLocked   uint8 = 1
	chainReleased uint8 = 2
	chainRefunded uint8 = 3
)

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(250000)

	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second
)

// EVMConfig configures the on-chain custody client.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	PrivateKey      string // operator key, hex with or without 0x
	SettleTimeout   time.Duration
}

// EVMOption configures an EVMClient.
type EVMOption func(*EVMClient)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(client EthClient) EVMOption {
	return func(c *EVMClient) {
		c.client = client
	}
}

// EVMClient drives an escrow custody contract. The contract's own state is
// the idempotency record: every call reads escrows(id) first, so a retried
// request for an already-applied operation returns a replayed receipt
// without sending a second transaction.
type EVMClient struct {
	client        EthClient
	contract      common.Address
	contractABI   abi.ABI
	key           *ecdsa.PrivateKey
	operator      common.Address
	chainID       *big.Int
	settleTimeout time.Duration
	pollInterval  time.Duration
	now           func() time.Time
}

var _ Client = (*EVMClient)(nil)

type onChainEscrow struct {
	Buyer  common.Address
	Seller common.Address
	Token  common.Address
	Amount *big.Int
	Fee    *big.Int
	State  uint8
}

// NewEVMClient creates the client, dialling RPCURL unless WithEthClient is given.
func NewEVMClient(cfg EVMConfig, opts ...EVMOption) (*EVMClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.ContractAddress)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("ledger: chain ID required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid operator key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse escrow ABI: %w", err)
	}
	settle := cfg.SettleTimeout
	if settle <= 0 {
		settle = 5 * time.Minute
	}

	c := &EVMClient{
		contract:      common.HexToAddress(cfg.ContractAddress),
		contractABI:   parsed,
		key:           key,
		operator:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:       big.NewInt(cfg.ChainID),
		settleTimeout: settle,
		pollInterval:  ReceiptPollInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("ledger: RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("ledger: dial %s: %w", cfg.RPCURL, err)
		}
		c.client = client
	}
	return c, nil
}

// Operator returns the address that signs custody transactions.
func (c *EVMClient) Operator() string {
	return strings.ToLower(c.operator.Hex())
}

// Close closes the RPC connection.
func (c *EVMClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// Ping reads the contract to confirm the node is reachable.
func (c *EVMClient) Ping(ctx context.Context) error {
	_, err := c.read(ctx, [32]byte{})
	return err
}

// escrowKey maps an engine escrow ID to the contract's bytes32 key.
func escrowKey(escrowID string) [32]byte {
	var k [32]byte
	copy(k[:], crypto.Keccak256([]byte(escrowID)))
	return k
}

func (c *EVMClient) read(ctx context.Context, id [32]byte) (*onChainEscrow, error) {
	data, err := c.contractABI.Pack("escrows", id)
	if err != nil {
		return nil, fmt.Errorf("pack escrows: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call escrows: %w", err)
	}
	var e onChainEscrow
	if err := c.contractABI.UnpackIntoInterface(&e, "escrows", out); err != nil {
		return nil, fmt.Errorf("unpack escrows: %w", err)
	}
	return &e, nil
}

// Lock moves the buyer's tokens into contract custody.
func (c *EVMClient) Lock(ctx context.Context, req LockRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := escrowKey(req.EscrowID)
	receipt := &Receipt{Operation: OpLock, EscrowID: req.EscrowID, IdempotencyKey: req.IdempotencyKey, Amount: req.Amount.String()}

	state, err := c.read(ctx, id)
	if err != nil {
		return nil, &CallError{Op: OpLock, EscrowID: req.EscrowID, Err: err}
	}
	if state.State != chainNone {
		if state.Amount.Cmp(req.Amount) != 0 || state.Token != common.HexToAddress(req.Token) {
			return nil, &CallError{Op: OpLock, EscrowID: req.EscrowID, Err: ErrRequestMismatch}
		}
		receipt.Replayed = true
		receipt.ConfirmedAt = c.now()
		return receipt, nil
	}

	return c.transact(ctx, receipt, chainLocked, "lock", id,
		common.HexToAddress(req.Buyer), common.HexToAddress(req.Seller),
		common.HexToAddress(req.Token), req.Amount)
}

// Release pays the seller and the protocol fee out of custody.
func (c *EVMClient) Release(ctx context.Context, req ReleaseRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := escrowKey(req.EscrowID)
	receipt := &Receipt{Operation: OpRelease, EscrowID: req.EscrowID, IdempotencyKey: req.IdempotencyKey,
		Amount: req.SellerAmount.String(), Fee: req.Fee.String()}

	state, err := c.read(ctx, id)
	if err != nil {
		return nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: err}
	}
	switch state.State {
	case chainNone:
		return nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: ErrNotLocked}
	case chainRefunded:
		return nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: ErrAlreadySettled}
	case chainReleased:
		receipt.Replayed = true
		receipt.ConfirmedAt = c.now()
		return receipt, nil
	}
	if new(big.Int).Add(req.SellerAmount, req.Fee).Cmp(state.Amount) != 0 {
		return nil, &CallError{Op: OpRelease, EscrowID: req.EscrowID, Err: ErrRequestMismatch}
	}

	return c.transact(ctx, receipt, chainReleased, "release", id, req.Fee)
}

// Refund returns custody to the buyer.
func (c *EVMClient) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := escrowKey(req.EscrowID)
	receipt := &Receipt{Operation: OpRefund, EscrowID: req.EscrowID, IdempotencyKey: req.IdempotencyKey}

	state, err := c.read(ctx, id)
	if err != nil {
		return nil, &CallError{Op: OpRefund, EscrowID: req.EscrowID, Err: err}
	}
	receipt.Amount = state.Amount.String()
	switch state.State {
	case chainNone:
		return nil, &CallError{Op: OpRefund, EscrowID: req.EscrowID, Err: ErrNotLocked}
	case chainReleased:
		return nil, &CallError{Op: OpRefund, EscrowID: req.EscrowID, Err: ErrAlreadySettled}
	case chainRefunded:
		receipt.Replayed = true
		receipt.ConfirmedAt = c.now()
		return receipt, nil
	}

	return c.transact(ctx, receipt, chainRefunded, "refund", id)
}

// transact signs and sends one contract call, then waits for it to be mined.
// A reverted transaction is re-checked against contract state: if another
// submission of the same request already landed, the revert is a replay.
func (c *EVMClient) transact(ctx context.Context, receipt *Receipt, want uint8, method string, args ...interface{}) (*Receipt, error) {
	op := receipt.Operation
	data, err := c.contractABI.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: op, EscrowID: receipt.EscrowID, Err: fmt.Errorf("pack %s: %w", method, err)}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.operator)
	if err != nil {
		return nil, &CallError{Op: op, EscrowID: receipt.EscrowID, Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: op, EscrowID: receipt.EscrowID, Err: fmt.Errorf("gas price: %w", err)}
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.operator,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, &CallError{Op: op, EscrowID: receipt.EscrowID, Err: fmt.Errorf("sign: %w", err)}
	}
	txHash := signed.Hash().Hex()
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, &CallError{Op: op, EscrowID: receipt.EscrowID, TxHash: txHash, Err: fmt.Errorf("send: %w", err)}
	}

	mined, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, &CallError{Op: op, EscrowID: receipt.EscrowID, TxHash: txHash, Err: err}
	}
	receipt.TxHash = txHash
	receipt.ConfirmedAt = c.now()
	if mined.Status == types.ReceiptStatusSuccessful {
		return receipt, nil
	}

	state, rerr := c.read(ctx, escrowKey(receipt.EscrowID))
	if rerr == nil && state.State == want {
		receipt.Replayed = true
		return receipt, nil
	}
	return nil, &CallError{Op: op, EscrowID: receipt.EscrowID, TxHash: txHash, Err: errors.New("transaction reverted")}
}

func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
