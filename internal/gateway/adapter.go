// Package gateway is the translation layer between the engine and a ledger
// transport. It throttles reads, records call metrics, classifies transport
// errors into the engine taxonomy and batches the fan-out reads that the
// directory needs.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/metrics"
	"echo-chat/go-engine/internal/platform/privacylog"
	"echo-chat/go-engine/internal/platform/ratelimiter"
	"echo-chat/go-engine/pkg/models"
)

const (
	componentName = "gateway"

	DefaultResolveConcurrency = 8
	DefaultNameCacheSize      = 512
	DefaultNameCacheTTL       = 5 * time.Minute
)

type Options struct {
	Limiter            *ratelimiter.MapLimiter
	Metrics            *metrics.Recorder
	Logger             *slog.Logger
	ResolveConcurrency int
	NameCacheSize      int
	NameCacheTTL       time.Duration
}

// Adapter wraps a ledger transport bound to one local identity. It implements
// contracts.LedgerGateway itself, so domain packages depend only on the port.
type Adapter struct {
	ledger      contracts.LedgerGateway
	local       models.Identity
	limiter     *ratelimiter.MapLimiter
	metrics     *metrics.Recorder
	logger      *slog.Logger
	concurrency int
	names       *expirable.LRU[models.Identity, Resolution]
}

var _ contracts.LedgerGateway = (*Adapter)(nil)

func New(ledger contracts.LedgerGateway, local models.Identity, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.ResolveConcurrency
	if concurrency <= 0 {
		concurrency = DefaultResolveConcurrency
	}
	size := opts.NameCacheSize
	if size <= 0 {
		size = DefaultNameCacheSize
	}
	ttl := opts.NameCacheTTL
	if ttl <= 0 {
		ttl = DefaultNameCacheTTL
	}
	return &Adapter{
		ledger:      ledger,
		local:       local,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		logger:      logger,
		concurrency: concurrency,
		names:       expirable.NewLRU[models.Identity, Resolution](size, nil, ttl),
	}
}

func (a *Adapter) Local() models.Identity {
	return a.local
}

// Forget drops the cached resolution for id, e.g. after it registered.
func (a *Adapter) Forget(id models.Identity) {
	a.names.Remove(id)
}

func call[T any](ctx context.Context, a *Adapter, method string, id models.Identity, throttled bool, fn func(context.Context) (T, error)) (T, error) {
	started := time.Now()
	var (
		out T
		err error
	)
	if throttled {
		err = a.limiter.Wait(ctx, method)
	}
	if err == nil {
		out, err = fn(ctx)
	}
	if err != nil {
		err = contracts.AsFailure("gateway."+method, id, err)
		a.logger.Debug("ledger call failed",
			"component", componentName,
			"operation", method,
			"correlation_id", correlationID(id),
			"identity", id.String(),
			"kind", string(contracts.KindOf(err)),
			"error", err.Error(),
		)
	}
	a.metrics.RecordGatewayCall(method, started, err)
	return out, err
}

func submit(ctx context.Context, a *Adapter, method string, id models.Identity, fn func(context.Context) error) error {
	_, err := call(ctx, a, method, id, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func correlationID(id models.Identity) string {
	if id == "" {
		return "n/a"
	}
	return privacylog.FingerprintID(string(id))
}

func (a *Adapter) AccountExists(ctx context.Context, id models.Identity) (bool, error) {
	return call(ctx, a, "accountExists", id, true, func(ctx context.Context) (bool, error) {
		return a.ledger.AccountExists(ctx, id)
	})
}

func (a *Adapter) ResolveUsername(ctx context.Context, id models.Identity) (string, bool, error) {
	type named struct {
		name string
		ok   bool
	}
	res, err := call(ctx, a, "resolveUsername", id, true, func(ctx context.Context) (named, error) {
		name, ok, err := a.ledger.ResolveUsername(ctx, id)
		return named{name: name, ok: ok}, err
	})
	return res.name, res.ok, err
}

func (a *Adapter) ResolveIdentityByUsername(ctx context.Context, username string) (models.Identity, error) {
	return call(ctx, a, "resolveIdentityByUsername", "", true, func(ctx context.Context) (models.Identity, error) {
		return a.ledger.ResolveIdentityByUsername(ctx, username)
	})
}

func (a *Adapter) UsernameExists(ctx context.Context, username string) (bool, error) {
	return call(ctx, a, "usernameExists", "", true, func(ctx context.Context) (bool, error) {
		return a.ledger.UsernameExists(ctx, username)
	})
}

func (a *Adapter) AccountCreatedAt(ctx context.Context, id models.Identity) (int64, error) {
	return call(ctx, a, "accountCreatedAt", id, true, func(ctx context.Context) (int64, error) {
		return a.ledger.AccountCreatedAt(ctx, id)
	})
}

func (a *Adapter) IsBlocked(ctx context.Context, local, id models.Identity) (bool, error) {
	return call(ctx, a, "isBlocked", id, true, func(ctx context.Context) (bool, error) {
		return a.ledger.IsBlocked(ctx, local, id)
	})
}

func (a *Adapter) ListFriends(ctx context.Context, local models.Identity) ([]models.ContactRecord, error) {
	return call(ctx, a, "listFriends", local, true, func(ctx context.Context) ([]models.ContactRecord, error) {
		return a.ledger.ListFriends(ctx, local)
	})
}

func (a *Adapter) ListDirectMessageSenders(ctx context.Context, local models.Identity) ([]models.Identity, error) {
	return call(ctx, a, "listDirectMessageSenders", local, true, func(ctx context.Context) ([]models.Identity, error) {
		return a.ledger.ListDirectMessageSenders(ctx, local)
	})
}

func (a *Adapter) ReadThread(ctx context.Context, local, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error) {
	return call(ctx, a, "readThread", counterparty, true, func(ctx context.Context) ([]models.Message, error) {
		return a.ledger.ReadThread(ctx, local, counterparty, channel)
	})
}

func (a *Adapter) UserCount(ctx context.Context) (uint64, error) {
	return call(ctx, a, "userCount", "", true, a.ledger.UserCount)
}

func (a *Adapter) TotalMessageCount(ctx context.Context) (uint64, error) {
	return call(ctx, a, "totalMessageCount", "", true, a.ledger.TotalMessageCount)
}

func (a *Adapter) SubmitCreateAccount(ctx context.Context, username string) error {
	err := submit(ctx, a, "submitCreateAccount", a.local, func(ctx context.Context) error {
		return a.ledger.SubmitCreateAccount(ctx, username)
	})
	if err == nil {
		a.Forget(a.local)
	}
	return err
}

func (a *Adapter) SubmitAddFriend(ctx context.Context, id models.Identity, nickname string) error {
	return submit(ctx, a, "submitAddFriend", id, func(ctx context.Context) error {
		return a.ledger.SubmitAddFriend(ctx, id, nickname)
	})
}

func (a *Adapter) SubmitSendMessage(ctx context.Context, counterparty models.Identity, channel models.ChannelKind, body string) error {
	return submit(ctx, a, "submitSendMessage", counterparty, func(ctx context.Context) error {
		return a.ledger.SubmitSendMessage(ctx, counterparty, channel, body)
	})
}

func (a *Adapter) SubmitBlock(ctx context.Context, id models.Identity) error {
	return submit(ctx, a, "submitBlock", id, func(ctx context.Context) error {
		return a.ledger.SubmitBlock(ctx, id)
	})
}

func (a *Adapter) SubmitUnblock(ctx context.Context, id models.Identity) error {
	return submit(ctx, a, "submitUnblock", id, func(ctx context.Context) error {
		return a.ledger.SubmitUnblock(ctx, id)
	})
}

func (a *Adapter) SubmitRemoveDirectSender(ctx context.Context, id models.Identity) error {
	return submit(ctx, a, "submitRemoveDirectSender", id, func(ctx context.Context) error {
		return a.ledger.SubmitRemoveDirectSender(ctx, id)
	})
}
