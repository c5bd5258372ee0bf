package ports

import (
	"context"

	"echo-chat/go-engine/pkg/models"
)

// LedgerReader is the read side of the external ledger. Every call may block
// until the ledger replies; implementations honor ctx cancellation.
type LedgerReader interface {
	AccountExists(ctx context.Context, id models.Identity) (bool, error)
	// ResolveUsername returns ok=false when the identity has no username.
	ResolveUsername(ctx context.Context, id models.Identity) (name string, ok bool, err error)
	ResolveIdentityByUsername(ctx context.Context, username string) (models.Identity, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	// AccountCreatedAt returns 0 when the identity has no account.
	AccountCreatedAt(ctx context.Context, id models.Identity) (int64, error)
	IsBlocked(ctx context.Context, local, id models.Identity) (bool, error)

	ListFriends(ctx context.Context, local models.Identity) ([]models.ContactRecord, error)
	ListDirectMessageSenders(ctx context.Context, local models.Identity) ([]models.Identity, error)
	ReadThread(ctx context.Context, local, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error)

	UserCount(ctx context.Context) (uint64, error)
	TotalMessageCount(ctx context.Context) (uint64, error)
}

// LedgerWriter submits state changes on behalf of the bound local identity.
// Each call returns only once the ledger accepted or rejected the change.
type LedgerWriter interface {
	SubmitCreateAccount(ctx context.Context, username string) error
	SubmitAddFriend(ctx context.Context, id models.Identity, nickname string) error
	SubmitSendMessage(ctx context.Context, counterparty models.Identity, channel models.ChannelKind, body string) error
	SubmitBlock(ctx context.Context, id models.Identity) error
	SubmitUnblock(ctx context.Context, id models.Identity) error
	SubmitRemoveDirectSender(ctx context.Context, id models.Identity) error
}

type LedgerGateway interface {
	LedgerReader
	LedgerWriter
}

// RecentRecipientStateStore persists the recent-recipient cache.
type RecentRecipientStateStore interface {
	Configure(path, secret string)
	Bootstrap() ([]models.Identity, error)
	Persist(ids []models.Identity) error
}

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}
