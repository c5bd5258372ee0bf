// Package directory merges the friend list, the direct-message senders and
// the recent-recipient cache into one deduplicated, sorted contact list.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"echo-chat/go-engine/internal/gateway"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/metrics"
	"echo-chat/go-engine/pkg/models"
)

const componentName = "directory"

var ErrUnknownPredicate = errors.New("unknown directory predicate")

type Predicate string

const (
	PredicateAll         Predicate = "all"
	PredicateFriendsOnly Predicate = "friends"
	PredicateBlocked     Predicate = "blocked"
)

func ParsePredicate(raw string) (Predicate, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(PredicateAll):
		return PredicateAll, nil
	case string(PredicateFriendsOnly), "friends_only":
		return PredicateFriendsOnly, nil
	case string(PredicateBlocked):
		return PredicateBlocked, nil
	default:
		return "", ErrUnknownPredicate
	}
}

// Resolver is the batched read surface the builder needs from the gateway.
type Resolver interface {
	ResolveProfiles(ctx context.Context, ids []models.Identity) []gateway.Resolution
	LastMessages(ctx context.Context, keys []models.ThreadKey) map[models.ThreadKey]models.Message
}

type Builder struct {
	resolver Resolver
	metrics  *metrics.Recorder
	logger   *slog.Logger
	// Blocked reports identities the local user has blocked. Optional.
	Blocked func(models.Identity) bool
}

func NewBuilder(resolver Resolver, rec *metrics.Recorder, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{resolver: resolver, metrics: rec, logger: logger}
}

// WithBlocked returns a builder sharing b's resolver that flags contacts with
// blocked instead of b.Blocked.
func (b *Builder) WithBlocked(blocked func(models.Identity) bool) *Builder {
	c := *b
	c.Blocked = blocked
	return &c
}

// Build merges the three sources. Precedence is friend, then direct sender,
// then local cache: a later source never overwrites an earlier entry. Name
// resolution failures degrade the affected entry only.
func (b *Builder) Build(ctx context.Context, friends []models.ContactRecord, dmSenders, recents []models.Identity) []models.ContactRecord {
	total := len(friends) + len(dmSenders) + len(recents)
	merged := make(map[models.Identity]*models.ContactRecord, total)
	order := make([]models.Identity, 0, total)
	insert := func(rec models.ContactRecord) {
		merged[rec.Identity] = &rec
		order = append(order, rec.Identity)
	}

	for _, f := range friends {
		id := identity.Normalize(f.Identity.String())
		if id == "" {
			continue
		}
		if _, ok := merged[id]; ok {
			continue
		}
		rec := f
		rec.Identity = id
		rec.Address = identity.Checksum(id)
		rec.Source = models.ContactSourceFriend
		rec.IsFriend = true
		rec.IsDirectOnly = false
		if strings.TrimSpace(rec.DisplayName) == "" {
			rec.DisplayName = identity.Abbreviate(id)
		}
		insert(rec)
	}

	var unresolved []models.Identity
	seen := make(map[models.Identity]struct{}, len(dmSenders))
	for _, raw := range dmSenders {
		id := identity.Normalize(raw.String())
		if id == "" {
			continue
		}
		if _, ok := merged[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unresolved = append(unresolved, id)
	}
	failures := 0
	for _, res := range b.resolve(ctx, unresolved) {
		if res.Err != nil {
			failures++
			b.logger.Warn("display name resolution failed, using abbreviated address",
				"component", componentName,
				"operation", "directory.resolve",
				"identity", res.Identity.String(),
				"error", res.Err.Error(),
			)
		}
		insert(models.ContactRecord{
			Identity:         res.Identity,
			Address:          identity.Checksum(res.Identity),
			DisplayName:      res.DisplayName,
			Source:           models.ContactSourceDirect,
			IsDirectOnly:     true,
			AccountCreatedAt: res.AccountCreatedAt,
		})
	}

	for _, raw := range recents {
		id := identity.Normalize(raw.String())
		if id == "" {
			continue
		}
		if _, ok := merged[id]; ok {
			continue
		}
		insert(models.ContactRecord{
			Identity:    id,
			Address:     identity.Checksum(id),
			DisplayName: identity.Abbreviate(id),
			Source:      models.ContactSourceLocalCache,
		})
	}

	b.enrich(ctx, merged, friends, dmSenders)

	out := make([]models.ContactRecord, 0, len(order))
	for _, id := range order {
		rec := *merged[id]
		if b.Blocked != nil && b.Blocked(id) {
			rec.Blocked = true
		}
		out = append(out, rec)
	}
	Sort(out)
	b.metrics.RecordDirectoryBuild(failures)
	return out
}

func (b *Builder) resolve(ctx context.Context, ids []models.Identity) []gateway.Resolution {
	if len(ids) == 0 {
		return nil
	}
	if b.resolver == nil {
		out := make([]gateway.Resolution, 0, len(ids))
		for _, id := range ids {
			out = append(out, gateway.Resolution{Identity: id, DisplayName: identity.Abbreviate(id)})
		}
		return out
	}
	return b.resolver.ResolveProfiles(ctx, ids)
}

// enrich fills last-message metadata from the friend channel of every friend
// and the direct channel of every sender, keeping the newest of the two.
func (b *Builder) enrich(ctx context.Context, merged map[models.Identity]*models.ContactRecord, friends []models.ContactRecord, dmSenders []models.Identity) {
	if b.resolver == nil {
		return
	}
	keys := make([]models.ThreadKey, 0, len(friends)+len(dmSenders))
	for _, f := range friends {
		keys = append(keys, models.ThreadKey{Counterparty: identity.Normalize(f.Identity.String()), Channel: models.ChannelFriend})
	}
	for _, id := range dmSenders {
		keys = append(keys, models.ThreadKey{Counterparty: identity.Normalize(id.String()), Channel: models.ChannelDirect})
	}
	if len(keys) == 0 {
		return
	}
	for key, msg := range b.resolver.LastMessages(ctx, keys) {
		rec, ok := merged[key.Counterparty]
		if !ok || msg.Timestamp <= rec.LastMessageTime {
			continue
		}
		rec.LastMessageTime = msg.Timestamp
		rec.LastMessageText = msg.Body
	}
}

// Sort orders contacts by newest message first (contacts without messages
// last), then friends first, then display name case-insensitively. Identity
// breaks remaining ties so the order is deterministic.
func Sort(contacts []models.ContactRecord) {
	sort.SliceStable(contacts, func(i, j int) bool {
		a, b := contacts[i], contacts[j]
		if a.LastMessageTime != b.LastMessageTime {
			if a.LastMessageTime == 0 {
				return false
			}
			if b.LastMessageTime == 0 {
				return true
			}
			return a.LastMessageTime > b.LastMessageTime
		}
		if a.IsFriend != b.IsFriend {
			return a.IsFriend
		}
		an, bn := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
		if an != bn {
			return an < bn
		}
		return a.Identity < b.Identity
	})
}

// Filter returns the contacts matching predicate whose display name or
// identity contains query (case-insensitive). Blocked contacts only appear
// under PredicateBlocked.
func Filter(contacts []models.ContactRecord, predicate Predicate, query string) []models.ContactRecord {
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]models.ContactRecord, 0, len(contacts))
	for _, c := range contacts {
		switch predicate {
		case PredicateBlocked:
			if !c.Blocked {
				continue
			}
		case PredicateFriendsOnly:
			if c.Blocked || !c.IsFriend {
				continue
			}
		default:
			if c.Blocked {
				continue
			}
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(c.DisplayName), needle) &&
			!strings.Contains(strings.ToLower(c.Identity.String()), needle) {
			continue
		}
		out = append(out, c)
	}
	return out
}
