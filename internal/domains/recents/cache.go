package recents

import (
	"log/slog"
	"sync"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/pkg/models"
)

const DefaultLimit = 256

// Cache is the local, non-authoritative set of identities the user has sent
// messages to. It never fails: persistence problems degrade it to an
// in-memory (possibly empty) set.
type Cache struct {
	store  contracts.RecentRecipientStateStore
	limit  int
	logger *slog.Logger

	mu    sync.RWMutex
	order []models.Identity
	index map[models.Identity]struct{}
}

func NewCache(store contracts.RecentRecipientStateStore, limit int, logger *slog.Logger) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		limit:  limit,
		logger: logger,
		index:  make(map[models.Identity]struct{}),
	}
}

// Bootstrap loads the persisted set. A missing or unreadable medium leaves
// the cache empty.
func (c *Cache) Bootstrap() {
	if c.store == nil {
		return
	}
	ids, err := c.store.Bootstrap()
	if err != nil {
		c.logger.Warn("recent recipients unavailable", "component", "recents", "operation", "recents.bootstrap", "error", err.Error())
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = c.order[:0]
	c.index = make(map[models.Identity]struct{}, len(ids))
	for _, id := range ids {
		c.insertLocked(identity.Normalize(id.String()))
	}
}

// Remember inserts id once; repeated calls are no-ops.
func (c *Cache) Remember(id models.Identity) {
	id = identity.Normalize(id.String())
	if id == "" {
		return
	}
	c.mu.Lock()
	if !c.insertLocked(id) {
		c.mu.Unlock()
		return
	}
	snapshot := append([]models.Identity(nil), c.order...)
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.Persist(snapshot); err != nil {
		c.logger.Warn("recent recipients not persisted", "component", "recents", "operation", "recents.remember", "identity", id.String(), "error", err.Error())
	}
}

func (c *Cache) List() []models.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Identity(nil), c.order...)
}

func (c *Cache) insertLocked(id models.Identity) bool {
	if id == "" {
		return false
	}
	if _, ok := c.index[id]; ok {
		return false
	}
	c.order = append(c.order, id)
	c.index[id] = struct{}{}
	for len(c.order) > c.limit {
		delete(c.index, c.order[0])
		c.order = c.order[1:]
	}
	return true
}
