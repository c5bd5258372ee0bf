// Package ethledger implements the ledger port on top of the chat contract
// deployed on an EVM chain. Reads are eth_call requests sent from the local
// address (several contract views are relative to msg.sender); writes are
// signed EIP-1559 transactions that return once their receipt is known.
package ethledger

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
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/pkg/models"
)

const componentName = "ethledger"

var (
	ErrReadOnly            = errors.New("ledger session has no signing key")
	ErrConfirmationTimeout = errors.New("transaction receipt not available before timeout")
)

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// Signer signs transactions for one address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

type Options struct {
	ChainID             *big.Int
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
	Logger              *slog.Logger
}

type Ledger struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	from     common.Address
	signer   Signer
	chainID  *big.Int
	poll     time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	// one outstanding transaction at a time keeps nonces in order
	txMu sync.Mutex
}

var _ contracts.LedgerGateway = (*Ledger)(nil)

// New binds the contract to local. signer may be nil for a read-only
// session; otherwise its address must equal local.
func New(backend Backend, contract common.Address, local models.Identity, signer Signer, opts Options) (*Ledger, error) {
	parsed, err := abi.JSON(strings.NewReader(chatABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	from, err := identity.Address(local)
	if err != nil {
		return nil, err
	}
	if signer != nil && signer.Address() != from {
		return nil, fmt.Errorf("signer %s does not match local identity %s", signer.Address().Hex(), from.Hex())
	}
	chainID := opts.ChainID
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	timeout := opts.ConfirmationTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		backend:  backend,
		contract: contract,
		abi:      parsed,
		from:     from,
		signer:   signer,
		chainID:  chainID,
		poll:     poll,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

func (l *Ledger) Local() models.Identity {
	return identity.FromAddress(l.from)
}

type rawFriend struct {
	Pubkey common.Address
	Name   string
}

type rawMessage struct {
	Sender      common.Address
	Timestamp   *big.Int
	Msg         string
	IsDelivered bool
}

func (l *Ledger) call(ctx context.Context, from common.Address, method string, args ...any) ([]any, error) {
	input, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &l.contract, Data: input}, nil)
	if err != nil {
		return nil, classifyRevert(method, err, false)
	}
	values, err := l.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

func addressOf(id models.Identity) (common.Address, error) {
	addr, err := identity.Address(id)
	if err != nil {
		return common.Address{}, contracts.Failure(contracts.KindInvalidIdentity, "ethledger", id, err)
	}
	return addr, nil
}

func (l *Ledger) callBool(ctx context.Context, from common.Address, method string, args ...any) (bool, error) {
	values, err := l.call(ctx, from, method, args...)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(values[0], new(bool)).(*bool), nil
}

func (l *Ledger) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	values, err := l.call(ctx, l.from, method, args...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(values[0], new(*big.Int)).(**big.Int), nil
}

func (l *Ledger) AccountExists(ctx context.Context, id models.Identity) (bool, error) {
	addr, err := addressOf(id)
	if err != nil {
		return false, err
	}
	return l.callBool(ctx, l.from, "checkUserExists", addr)
}

func (l *Ledger) ResolveUsername(ctx context.Context, id models.Identity) (string, bool, error) {
	addr, err := addressOf(id)
	if err != nil {
		return "", false, err
	}
	values, err := l.call(ctx, l.from, "getUsername", addr)
	if err != nil {
		if errors.Is(err, contracts.ErrNameNotFound) || errors.Is(err, contracts.ErrCounterpartyUnregistered) {
			return "", false, nil
		}
		return "", false, err
	}
	name := *abi.ConvertType(values[0], new(string)).(*string)
	return name, name != "", nil
}

func (l *Ledger) ResolveIdentityByUsername(ctx context.Context, username string) (models.Identity, error) {
	values, err := l.call(ctx, l.from, "getAddressByUsername", strings.TrimSpace(username))
	if err != nil {
		return "", err
	}
	addr := *abi.ConvertType(values[0], new(common.Address)).(*common.Address)
	if addr == (common.Address{}) {
		return "", fmt.Errorf("ethledger: resolve %q: %w", username, contracts.ErrNameNotFound)
	}
	return identity.FromAddress(addr), nil
}

func (l *Ledger) UsernameExists(ctx context.Context, username string) (bool, error) {
	return l.callBool(ctx, l.from, "checkUsernameExists", strings.TrimSpace(username))
}

func (l *Ledger) AccountCreatedAt(ctx context.Context, id models.Identity) (int64, error) {
	addr, err := addressOf(id)
	if err != nil {
		return 0, err
	}
	created, err := l.callUint(ctx, "getAccountCreationTime", addr)
	if err != nil {
		return 0, err
	}
	return created.Int64(), nil
}

func (l *Ledger) IsBlocked(ctx context.Context, local, id models.Identity) (bool, error) {
	owner, err := addressOf(local)
	if err != nil {
		return false, err
	}
	addr, err := addressOf(id)
	if err != nil {
		return false, err
	}
	return l.callBool(ctx, owner, "isBlocked", addr)
}

func (l *Ledger) ListFriends(ctx context.Context, local models.Identity) ([]models.ContactRecord, error) {
	owner, err := addressOf(local)
	if err != nil {
		return nil, err
	}
	values, err := l.call(ctx, owner, "getMyFriendList")
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(values[0], new([]rawFriend)).(*[]rawFriend)
	out := make([]models.ContactRecord, 0, len(raw))
	for _, f := range raw {
		out = append(out, models.ContactRecord{
			Identity:    identity.FromAddress(f.Pubkey),
			Address:     f.Pubkey.Hex(),
			DisplayName: f.Name,
			Source:      models.ContactSourceFriend,
			IsFriend:    true,
		})
	}
	return out, nil
}

func (l *Ledger) ListDirectMessageSenders(ctx context.Context, local models.Identity) ([]models.Identity, error) {
	owner, err := addressOf(local)
	if err != nil {
		return nil, err
	}
	values, err := l.call(ctx, owner, "getDirectMessageSenders")
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(values[0], new([]common.Address)).(*[]common.Address)
	out := make([]models.Identity, 0, len(raw))
	for _, addr := range raw {
		out = append(out, identity.FromAddress(addr))
	}
	return out, nil
}

func (l *Ledger) ReadThread(ctx context.Context, local, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error) {
	owner, err := addressOf(local)
	if err != nil {
		return nil, err
	}
	peer, err := addressOf(counterparty)
	if err != nil {
		return nil, err
	}
	var method string
	switch channel {
	case models.ChannelFriend:
		method = "readMessage"
	case models.ChannelDirect:
		method = "readDirectMessage"
	default:
		return nil, models.ErrUnknownChannel
	}
	values, err := l.call(ctx, owner, method, peer)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(values[0], new([]rawMessage)).(*[]rawMessage)
	out := make([]models.Message, 0, len(raw))
	for _, m := range raw {
		var ts int64
		if m.Timestamp != nil {
			ts = m.Timestamp.Int64()
		}
		out = append(out, models.Message{
			Sender:        identity.FromAddress(m.Sender),
			Timestamp:     ts,
			Body:          m.Msg,
			DeliveryState: models.DeliveryConfirmed,
			Delivered:     m.IsDelivered,
		})
	}
	return out, nil
}

func (l *Ledger) UserCount(ctx context.Context) (uint64, error) {
	n, err := l.callUint(ctx, "userCount")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (l *Ledger) TotalMessageCount(ctx context.Context) (uint64, error) {
	n, err := l.callUint(ctx, "totalMessageCount")
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}
