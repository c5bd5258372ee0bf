package gateway

import (
	"context"

	"golang.org/x/sync/errgroup"

	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/pkg/models"
)

// Resolution is the display data resolved for one identity. Err is set when
// a lookup failed; DisplayName then holds the abbreviated address.
type Resolution struct {
	Identity         models.Identity
	DisplayName      string
	Registered       bool
	AccountCreatedAt int64
	Err              error
}

// ResolveProfiles resolves display names for ids concurrently. A failure for
// one identity degrades only that entry and never cancels its siblings.
// Results keep the order of ids.
func (a *Adapter) ResolveProfiles(ctx context.Context, ids []models.Identity) []Resolution {
	out := make([]Resolution, len(ids))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, id := range ids {
		if cached, ok := a.names.Get(id); ok {
			out[i] = cached
			continue
		}
		g.Go(func() error {
			res := a.resolveOne(ctx, id)
			if res.Err == nil {
				a.names.Add(id, res)
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// account-exists check, then username lookup, then abbreviated address
func (a *Adapter) resolveOne(ctx context.Context, id models.Identity) Resolution {
	res := Resolution{Identity: id, DisplayName: identity.Abbreviate(id)}
	exists, err := a.AccountExists(ctx, id)
	if err != nil {
		res.Err = err
		return res
	}
	if !exists {
		return res
	}
	res.Registered = true
	name, ok, err := a.ResolveUsername(ctx, id)
	if err != nil {
		res.Err = err
		return res
	}
	if ok && name != "" {
		res.DisplayName = name
	}
	createdAt, err := a.AccountCreatedAt(ctx, id)
	if err != nil {
		res.Err = err
		return res
	}
	res.AccountCreatedAt = createdAt
	return res
}

// LastMessages reads the newest message of each thread concurrently. Threads
// that are empty or fail to load are absent from the result.
func (a *Adapter) LastMessages(ctx context.Context, keys []models.ThreadKey) map[models.ThreadKey]models.Message {
	found := make([]*models.Message, len(keys))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			thread, err := a.ReadThread(ctx, a.local, key.Counterparty, key.Channel)
			if err != nil || len(thread) == 0 {
				return nil
			}
			last := thread[len(thread)-1]
			found[i] = &last
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[models.ThreadKey]models.Message, len(keys))
	for i, msg := range found {
		if msg != nil {
			out[keys[i]] = *msg
		}
	}
	return out
}

// ProbeBlocked asks the ledger whether the local user blocked each of ids.
// Identities whose probe failed are absent from the result.
func (a *Adapter) ProbeBlocked(ctx context.Context, ids []models.Identity) map[models.Identity]bool {
	found := make([]*bool, len(ids))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			blocked, err := a.IsBlocked(ctx, a.local, id)
			if err == nil {
				found[i] = &blocked
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[models.Identity]bool, len(ids))
	for i, blocked := range found {
		if blocked != nil {
			out[ids[i]] = *blocked
		}
	}
	return out
}
