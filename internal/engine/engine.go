// Package engine is the per-identity facade the presentation layer talks to.
// It owns the gateway adapter, the directory, the conversation store, the
// relationship machine and the recent-recipient cache of one local user.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/domains/conversation"
	"echo-chat/go-engine/internal/domains/directory"
	"echo-chat/go-engine/internal/domains/recents"
	"echo-chat/go-engine/internal/domains/relationship"
	"echo-chat/go-engine/internal/gateway"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/metrics"
	"echo-chat/go-engine/internal/platform/privacylog"
	"echo-chat/go-engine/internal/platform/ratelimiter"
	"echo-chat/go-engine/internal/platform/requestseq"
	"echo-chat/go-engine/pkg/models"
)

const (
	componentName = "engine"
	directoryKey  = "directory"

	UsernameMinLength = 3
	UsernameMaxLength = 32
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

type API interface {
	Local() models.Identity

	BuildDirectory(ctx context.Context) ([]models.ContactRecord, error)
	FilterDirectory(predicate directory.Predicate, query string) []models.ContactRecord

	LoadThread(ctx context.Context, target string, channel models.ChannelKind) (models.ChannelKind, []models.Message, error)
	RefreshThread(ctx context.Context, target string, channel models.ChannelKind) (models.ChannelKind, []models.Message, error)
	SendMessage(ctx context.Context, target, body string) (*conversation.PendingSend, error)

	ApplyRelationshipAction(ctx context.Context, kind relationship.ActionKind, target, nickname string) error
	RelationshipState(target models.Identity) models.RelationshipState

	RegisterAccount(ctx context.Context, username string) error
	Profile(ctx context.Context) (models.Profile, error)
	Stats(ctx context.Context) (models.LedgerStats, error)
	Metrics() models.MetricsSnapshot
}

type Options struct {
	ResolveConcurrency int
	ReadRatePerSecond  float64
	ReadBurst          int
	NameCacheSize      int
	NameCacheTTL       time.Duration

	// CacheStore persists the recent-recipient cache. Nil keeps it in memory.
	CacheStore contracts.RecentRecipientStateStore
	CacheLimit int

	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

type Engine struct {
	local     models.Identity
	gateway   *gateway.Adapter
	recents   *recents.Cache
	directory *directory.Builder
	threads   *conversation.Store
	relations *relationship.Machine
	metrics   *metrics.Recorder
	logger    *slog.Logger
	seq       *requestseq.Tracker

	mu       sync.RWMutex
	contacts []models.ContactRecord
	// observed is set once a build with every ledger source has fed the
	// relationship machine.
	observed bool
}

var _ API = (*Engine)(nil)

// New binds an engine to local on top of a ledger transport session for the
// same identity.
func New(ledger contracts.LedgerGateway, local string, opts Options) (*Engine, error) {
	id, err := identity.Parse(local)
	if err != nil {
		return nil, contracts.Failure(contracts.KindInvalidIdentity, "engine.new", "", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := metrics.New(opts.Registerer)

	adapter := gateway.New(ledger, id, gateway.Options{
		Limiter:            ratelimiter.New(opts.ReadRatePerSecond, opts.ReadBurst, 0),
		Metrics:            rec,
		Logger:             logger,
		ResolveConcurrency: opts.ResolveConcurrency,
		NameCacheSize:      opts.NameCacheSize,
		NameCacheTTL:       opts.NameCacheTTL,
	})
	cache := recents.NewCache(opts.CacheStore, opts.CacheLimit, logger)
	cache.Bootstrap()

	relations := relationship.NewMachine(adapter, id, rec, logger)
	builder := directory.NewBuilder(adapter, rec, logger)

	return &Engine{
		local:     id,
		gateway:   adapter,
		recents:   cache,
		directory: builder,
		threads: conversation.NewStore(adapter, id, conversation.Options{
			Recents: cache,
			Metrics: rec,
			Logger:  logger,
			Now:     opts.Now,
		}),
		relations: relations,
		metrics:   rec,
		logger:    logger,
		seq:       requestseq.New(),
	}, nil
}

func (e *Engine) Local() models.Identity {
	return e.local
}

// BuildDirectory rebuilds the contact directory from the ledger sources and
// the recent-recipient cache and returns its default view. A failed source
// still yields the contacts of the others, with the source errors joined.
// Results of a build superseded by a newer one, or read before a relationship
// action was committed, are not applied.
func (e *Engine) BuildDirectory(ctx context.Context) ([]models.ContactRecord, error) {
	const op = "engine.build_directory"
	ticket := e.seq.Issue(directoryKey)
	generation := e.relations.Generation()

	var (
		friends            []models.ContactRecord
		senders            []models.Identity
		friendErr, sendErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		friends, friendErr = e.gateway.ListFriends(ctx, e.local)
		return nil
	})
	g.Go(func() error {
		senders, sendErr = e.gateway.ListDirectMessageSenders(ctx, e.local)
		return nil
	})
	_ = g.Wait()
	cached := e.recents.List()
	sourceErr := errors.Join(friendErr, sendErr)

	// With a source missing the machine keeps its last known relationships.
	var obs *relationship.Observation
	blocked := e.relations.IsBlocked
	if sourceErr == nil {
		o := e.observation(ctx, friends, senders, cached)
		o.Generation = generation
		obs = &o
		blocked = func(id models.Identity) bool {
			if b, ok := o.Blocked[id]; ok {
				return b
			}
			return e.relations.IsBlocked(id)
		}
	}
	contacts := e.directory.WithBlocked(blocked).Build(ctx, friends, senders, cached)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !ticket.Current() || (obs != nil && !e.relations.Observe(*obs)) {
		e.metrics.RecordStaleDropped(directoryKey)
		e.logger.Debug("stale directory dropped",
			"component", componentName,
			"operation", op,
			"correlation_id", privacylog.FingerprintID(e.local.String()),
			"seq", ticket.Seq,
		)
		return directory.Filter(e.contacts, directory.PredicateAll, ""),
			contracts.Failure(contracts.KindSuperseded, op, e.local, nil)
	}
	e.contacts = contacts
	if obs != nil {
		e.observed = true
	}

	level := slog.LevelInfo
	if sourceErr != nil {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "directory built",
		"component", componentName,
		"operation", op,
		"correlation_id", privacylog.FingerprintID(e.local.String()),
		"contacts", len(contacts),
		"friends", len(friends),
		"direct_senders", len(senders),
		"recent_recipients", len(cached),
		"partial", sourceErr != nil,
	)
	if sourceErr != nil {
		sourceErr = contracts.AsFailure(op, e.local, sourceErr)
	}
	return directory.Filter(contacts, directory.PredicateAll, ""), sourceErr
}

// observation collects the ledger relationships and the block state of every
// identity the directory is about to show.
func (e *Engine) observation(ctx context.Context, friends []models.ContactRecord, senders, cached []models.Identity) relationship.Observation {
	friendIDs := make([]models.Identity, 0, len(friends))
	isFriend := make(map[models.Identity]struct{}, len(friends))
	for _, f := range friends {
		id := identity.Normalize(f.Identity.String())
		friendIDs = append(friendIDs, id)
		isFriend[id] = struct{}{}
	}
	directOnly := make([]models.Identity, 0, len(senders))
	probe := append([]models.Identity(nil), friendIDs...)
	seen := make(map[models.Identity]struct{}, len(friends)+len(senders)+len(cached))
	for _, id := range friendIDs {
		seen[id] = struct{}{}
	}
	for _, raw := range senders {
		id := identity.Normalize(raw.String())
		if _, ok := isFriend[id]; !ok {
			directOnly = append(directOnly, id)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			probe = append(probe, id)
		}
	}
	for _, raw := range cached {
		id := identity.Normalize(raw.String())
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			probe = append(probe, id)
		}
	}
	return relationship.Observation{
		Friends:    friendIDs,
		DirectOnly: directOnly,
		Blocked:    e.gateway.ProbeBlocked(ctx, probe),
	}
}

// FilterDirectory applies predicate and query to the last built directory.
func (e *Engine) FilterDirectory(predicate directory.Predicate, query string) []models.ContactRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return directory.Filter(e.contacts, predicate, query)
}

func (e *Engine) ensureDirectory(ctx context.Context) error {
	e.mu.RLock()
	observed := e.observed
	e.mu.RUnlock()
	if observed {
		return nil
	}
	_, err := e.BuildDirectory(ctx)
	return err
}

// resolveTarget accepts a hex identity or an @username.
func (e *Engine) resolveTarget(ctx context.Context, op, target string) (models.Identity, error) {
	target = strings.TrimSpace(target)
	if name, ok := strings.CutPrefix(target, "@"); ok {
		if name == "" {
			return "", contracts.Failure(contracts.KindNameNotFound, op, "", nil)
		}
		id, err := e.gateway.ResolveIdentityByUsername(ctx, name)
		if err != nil {
			return "", contracts.AsFailure(op, "", err)
		}
		return id, nil
	}
	id, err := identity.Parse(target)
	if err != nil {
		return "", contracts.Failure(contracts.KindInvalidIdentity, op, "", err)
	}
	return id, nil
}

// LoadThread loads the thread with target. An empty channel picks the one a
// send would use right now. The channel actually read is returned.
func (e *Engine) LoadThread(ctx context.Context, target string, channel models.ChannelKind) (models.ChannelKind, []models.Message, error) {
	return e.readThread(ctx, "engine.load_thread", target, channel, e.threads.Load)
}

func (e *Engine) RefreshThread(ctx context.Context, target string, channel models.ChannelKind) (models.ChannelKind, []models.Message, error) {
	return e.readThread(ctx, "engine.refresh_thread", target, channel, e.threads.Refresh)
}

type threadReader func(ctx context.Context, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error)

func (e *Engine) readThread(ctx context.Context, op, target string, channel models.ChannelKind, read threadReader) (models.ChannelKind, []models.Message, error) {
	id, err := e.resolveTarget(ctx, op, target)
	if err != nil {
		return channel, nil, err
	}
	if channel == "" {
		if err := e.ensureDirectory(ctx); err != nil && contracts.KindOf(err) != contracts.KindSuperseded {
			e.logger.Warn("channel routing uses partial relationships",
				"component", componentName,
				"operation", op,
				"correlation_id", privacylog.FingerprintID(id.String()),
				"error", err.Error(),
			)
		}
		channel = e.relations.ChannelFor(id)
	}
	msgs, err := read(ctx, id, channel)
	return channel, msgs, err
}

// SendMessage appends body to the thread with target and submits it. The
// channel follows the relationship at the time of the call. The returned
// handle resolves once the ledger accepted or rejected the message.
func (e *Engine) SendMessage(ctx context.Context, target, body string) (*conversation.PendingSend, error) {
	const op = "engine.send_message"
	if strings.TrimSpace(body) == "" {
		return nil, contracts.Failure(contracts.KindInvalidMessage, op, "", nil)
	}
	id, err := e.resolveTarget(ctx, op, target)
	if err != nil {
		return nil, err
	}
	if id == e.local {
		return nil, contracts.Failure(contracts.KindOperationNotSupported, op, id, errors.New("cannot message the local identity"))
	}
	if err := e.ensureDirectory(ctx); err != nil && contracts.KindOf(err) != contracts.KindSuperseded {
		e.logger.Warn("channel routing uses partial relationships",
			"component", componentName,
			"operation", op,
			"correlation_id", privacylog.FingerprintID(id.String()),
			"error", err.Error(),
		)
	}
	return e.threads.AppendOptimistic(ctx, id, e.relations.ChannelFor(id), body)
}

// Thread returns the current in-memory view without reading the ledger.
func (e *Engine) Thread(counterparty models.Identity, channel models.ChannelKind) []models.Message {
	return e.threads.Thread(counterparty, channel)
}

// ApplyRelationshipAction runs one relationship transition. The directory is
// rebuilt after the ledger confirmed it.
func (e *Engine) ApplyRelationshipAction(ctx context.Context, kind relationship.ActionKind, target, nickname string) error {
	op := "engine." + string(kind)
	id, err := e.resolveTarget(ctx, op, target)
	if err != nil {
		return err
	}
	if err := e.ensureDirectory(ctx); err != nil && contracts.KindOf(err) != contracts.KindSuperseded {
		return err
	}
	if err := e.relations.Apply(ctx, relationship.Action{Kind: kind, Target: id, Nickname: nickname}); err != nil {
		return err
	}
	if _, err := e.BuildDirectory(ctx); err != nil {
		e.logger.Warn("directory refresh after relationship action failed",
			"component", componentName,
			"operation", op,
			"correlation_id", privacylog.FingerprintID(id.String()),
			"error", err.Error(),
		)
	}
	return nil
}

func (e *Engine) RelationshipState(target models.Identity) models.RelationshipState {
	return e.relations.State(target)
}

// ValidateUsername trims raw and checks its length and character set.
func ValidateUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if len(name) < UsernameMinLength || len(name) > UsernameMaxLength || !usernamePattern.MatchString(name) {
		return "", contracts.Failure(contracts.KindInvalidUsername, "engine.register", "",
			errors.New("username must be 3-32 characters of letters, digits, '_', '.' or '-'"))
	}
	return name, nil
}

// RegisterAccount creates the ledger account of the local identity.
func (e *Engine) RegisterAccount(ctx context.Context, username string) error {
	const op = "engine.register"
	name, err := ValidateUsername(username)
	if err != nil {
		return err
	}
	exists, err := e.gateway.AccountExists(ctx, e.local)
	if err != nil {
		return contracts.AsFailure(op, e.local, err)
	}
	if exists {
		return contracts.Failure(contracts.KindAlreadyRegistered, op, e.local, nil)
	}
	taken, err := e.gateway.UsernameExists(ctx, name)
	if err != nil {
		return contracts.AsFailure(op, e.local, err)
	}
	if taken {
		return contracts.Failure(contracts.KindUsernameTaken, op, e.local, nil)
	}
	if err := e.gateway.SubmitCreateAccount(ctx, name); err != nil {
		return contracts.AsFailure(op, e.local, err)
	}
	e.logger.Info("account registered",
		"component", componentName,
		"operation", op,
		"correlation_id", privacylog.FingerprintID(e.local.String()),
		"local_user", e.local.String(),
	)
	return nil
}

func (e *Engine) Profile(ctx context.Context) (models.Profile, error) {
	const op = "engine.profile"
	profile := models.Profile{Identity: e.local}
	exists, err := e.gateway.AccountExists(ctx, e.local)
	if err != nil || !exists {
		return profile, contracts.AsFailure(op, e.local, err)
	}
	profile.Registered = true
	name, ok, err := e.gateway.ResolveUsername(ctx, e.local)
	if err != nil {
		return profile, contracts.AsFailure(op, e.local, err)
	}
	if ok {
		profile.Username = name
	}
	if profile.AccountCreatedAt, err = e.gateway.AccountCreatedAt(ctx, e.local); err != nil {
		return profile, contracts.AsFailure(op, e.local, err)
	}
	return profile, nil
}

func (e *Engine) Stats(ctx context.Context) (models.LedgerStats, error) {
	var stats models.LedgerStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.gateway.UserCount(gctx)
		stats.Users = n
		return err
	})
	g.Go(func() error {
		n, err := e.gateway.TotalMessageCount(gctx)
		stats.Messages = n
		return err
	})
	if err := g.Wait(); err != nil {
		return models.LedgerStats{}, contracts.AsFailure("engine.stats", "", err)
	}
	return stats, nil
}

func (e *Engine) Metrics() models.MetricsSnapshot {
	return e.metrics.Snapshot()
}
