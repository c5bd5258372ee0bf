package ethledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/pkg/models"
)

// revertReasons maps contract revert messages to the failure taxonomy.
var revertReasons = []struct {
	fragment string
	err      error
}{
	{"user is not registered", contracts.ErrCounterpartyUnregistered},
	{"username does not exist", contracts.ErrNameNotFound},
	{"already friends", contracts.ErrAlreadyRelated},
	{"username already", contracts.ErrUsernameTaken},
	{"user already exists", contracts.ErrAlreadyRegistered},
	{"already registered", contracts.ErrAlreadyRegistered},
}

// classifyRevert maps an eth_call or gas estimation error. Reverts with a
// known reason map to their sentinel; other reverts are rejections when
// submitting. Anything else is left for the gateway to treat as a transport
// failure.
func classifyRevert(method string, err error, submitting bool) error {
	msg := strings.ToLower(err.Error())
	for _, r := range revertReasons {
		if strings.Contains(msg, r.fragment) {
			return fmt.Errorf("ethledger: %s: %w: %w", method, r.err, err)
		}
	}
	if submitting && strings.Contains(msg, "revert") {
		return fmt.Errorf("ethledger: %s: %w: %w", method, contracts.ErrSubmissionRejected, err)
	}
	return fmt.Errorf("ethledger: %s: %w", method, err)
}

func (l *Ledger) transact(ctx context.Context, method string, args ...any) error {
	if l.signer == nil {
		return fmt.Errorf("ethledger: %s: %w: %w", method, contracts.ErrOperationNotSupported, ErrReadOnly)
	}
	input, err := l.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	l.txMu.Lock()
	defer l.txMu.Unlock()

	msg := ethereum.CallMsg{From: l.from, To: &l.contract, Data: input}
	gas, err := l.backend.EstimateGas(ctx, msg)
	if err != nil {
		return classifyRevert(method, err, true)
	}
	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return fmt.Errorf("ethledger: %s: nonce: %w", method, err)
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("ethledger: %s: gas tip: %w", method, err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("ethledger: %s: head: %w", method, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &l.contract,
		Data:      input,
	})
	signed, err := l.signer.SignTx(tx, l.chainID)
	if err != nil {
		return fmt.Errorf("ethledger: %s: sign: %w", method, err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return classifyRevert(method, err, true)
	}
	l.logger.Info("transaction submitted",
		"component", componentName,
		"operation", method,
		"correlation_id", signed.Hash().Hex(),
		"local_user", l.from.Hex(),
	)

	receipt, err := l.waitMined(ctx, signed.Hash())
	if err != nil {
		return fmt.Errorf("ethledger: %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("ethledger: %s: tx %s reverted: %w", method, signed.Hash().Hex(), contracts.ErrSubmissionRejected)
	}
	return nil
}

func (l *Ledger) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrConfirmationTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Ledger) SubmitCreateAccount(ctx context.Context, username string) error {
	return l.transact(ctx, "createAccount", strings.TrimSpace(username))
}

func (l *Ledger) SubmitAddFriend(ctx context.Context, id models.Identity, nickname string) error {
	addr, err := addressOf(id)
	if err != nil {
		return err
	}
	return l.transact(ctx, "addFriend", addr, nickname)
}

func (l *Ledger) SubmitSendMessage(ctx context.Context, counterparty models.Identity, channel models.ChannelKind, body string) error {
	addr, err := addressOf(counterparty)
	if err != nil {
		return err
	}
	switch channel {
	case models.ChannelFriend:
		return l.transact(ctx, "sendMessage", addr, body)
	case models.ChannelDirect:
		return l.transact(ctx, "sendDirectMessage", addr, body)
	default:
		return models.ErrUnknownChannel
	}
}

func (l *Ledger) SubmitBlock(ctx context.Context, id models.Identity) error {
	addr, err := addressOf(id)
	if err != nil {
		return err
	}
	return l.transact(ctx, "blockUser", addr)
}

func (l *Ledger) SubmitUnblock(ctx context.Context, id models.Identity) error {
	addr, err := addressOf(id)
	if err != nil {
		return err
	}
	return l.transact(ctx, "unblockUser", addr)
}

func (l *Ledger) SubmitRemoveDirectSender(ctx context.Context, id models.Identity) error {
	addr, err := addressOf(id)
	if err != nil {
		return err
	}
	return l.transact(ctx, "removeDirectMessageSender", addr)
}
