// Package memledger is an in-process ledger with the same rules as the
// on-chain chat contract. It backs the "memory" transport and the engine
// tests, and supports injected faults and blocking hooks per method.
package memledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/pkg/models"
)

const (
	MethodAccountExists            = "accountExists"
	MethodResolveUsername          = "resolveUsername"
	MethodResolveIdentity          = "resolveIdentityByUsername"
	MethodUsernameExists           = "usernameExists"
	MethodAccountCreatedAt         = "accountCreatedAt"
	MethodIsBlocked                = "isBlocked"
	MethodListFriends              = "listFriends"
	MethodListDirectSenders        = "listDirectMessageSenders"
	MethodReadThread               = "readThread"
	MethodUserCount                = "userCount"
	MethodTotalMessageCount        = "totalMessageCount"
	MethodSubmitCreateAccount      = "submitCreateAccount"
	MethodSubmitAddFriend          = "submitAddFriend"
	MethodSubmitSendMessage        = "submitSendMessage"
	MethodSubmitBlock              = "submitBlock"
	MethodSubmitUnblock            = "submitUnblock"
	MethodSubmitRemoveDirectSender = "submitRemoveDirectSender"
)

// Hook runs before a method touches ledger state. Returning an error fails
// the call with that error.
type Hook func(ctx context.Context) error

type account struct {
	username  string
	createdAt int64
}

type friendEntry struct {
	id       models.Identity
	nickname string
}

type threadKey struct {
	low, high models.Identity
	channel   models.ChannelKind
}

func newThreadKey(a, b models.Identity, channel models.ChannelKind) threadKey {
	if b < a {
		a, b = b, a
	}
	return threadKey{low: a, high: b, channel: channel}
}

type Ledger struct {
	now func() time.Time

	mu        sync.Mutex
	accounts  map[models.Identity]account
	usernames map[string]models.Identity
	friends   map[models.Identity][]friendEntry
	threads   map[threadKey][]models.Message
	dmSenders map[models.Identity][]models.Identity
	blocked   map[models.Identity]map[models.Identity]struct{}
	messages  uint64

	hookMu sync.Mutex
	hooks  map[string]Hook
	faults map[string][]error
	calls  map[string]int
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:       time.Now,
		accounts:  make(map[models.Identity]account),
		usernames: make(map[string]models.Identity),
		friends:   make(map[models.Identity][]friendEntry),
		threads:   make(map[threadKey][]models.Message),
		dmSenders: make(map[models.Identity][]models.Identity),
		blocked:   make(map[models.Identity]map[models.Identity]struct{}),
		hooks:     make(map[string]Hook),
		faults:    make(map[string][]error),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Session binds the ledger to a local identity, the way a signer binds a
// contract connection.
func (l *Ledger) Session(local models.Identity) *Session {
	return &Session{ledger: l, local: identity.Normalize(local.String())}
}

// Register creates an account directly, bypassing hooks and faults.
func (l *Ledger) Register(id models.Identity, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createAccountLocked(identity.Normalize(id.String()), username)
}

// SetHook installs (or clears, with nil) the hook for method.
func (l *Ledger) SetHook(method string, hook Hook) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	if hook == nil {
		delete(l.hooks, method)
		return
	}
	l.hooks[method] = hook
}

// FailNext queues err as the result of the next call to method.
func (l *Ledger) FailNext(method string, err error) {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	l.faults[method] = append(l.faults[method], err)
}

// Calls returns how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.hookMu.Lock()
	defer l.hookMu.Unlock()
	return l.calls[method]
}

func (l *Ledger) enter(ctx context.Context, method string) error {
	l.hookMu.Lock()
	l.calls[method]++
	hook := l.hooks[method]
	var fault error
	if queued := l.faults[method]; len(queued) > 0 {
		fault = queued[0]
		l.faults[method] = queued[1:]
	}
	l.hookMu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if fault != nil {
		return fault
	}
	return ctx.Err()
}

func (l *Ledger) createAccountLocked(id models.Identity, username string) error {
	username = strings.TrimSpace(username)
	if id == "" || username == "" {
		return rejected("createAccount", "empty identity or username")
	}
	if _, ok := l.accounts[id]; ok {
		return fmt.Errorf("memledger: createAccount: %w", contracts.ErrAlreadyRegistered)
	}
	key := lowerName(username)
	if _, taken := l.usernames[key]; taken {
		return fmt.Errorf("memledger: createAccount: %w", contracts.ErrUsernameTaken)
	}
	l.accounts[id] = account{username: username, createdAt: l.now().Unix()}
	l.usernames[key] = id
	return nil
}

func (l *Ledger) isFriendLocked(a, b models.Identity) bool {
	for _, f := range l.friends[a] {
		if f.id == b {
			return true
		}
	}
	return false
}

func (l *Ledger) blockedLocked(owner, target models.Identity) bool {
	_, ok := l.blocked[owner][target]
	return ok
}

func (l *Ledger) appendMessageLocked(from, to models.Identity, channel models.ChannelKind, body string) {
	_, delivered := l.accounts[to]
	key := newThreadKey(from, to, channel)
	l.threads[key] = append(l.threads[key], models.Message{
		Sender:        from,
		Timestamp:     l.now().Unix(),
		Body:          body,
		DeliveryState: models.DeliveryConfirmed,
		Delivered:     delivered,
	})
	l.messages++
}

func (l *Ledger) sortedFriendsLocked(local models.Identity) []friendEntry {
	out := append([]friendEntry(nil), l.friends[local]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func lowerName(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func rejected(op, reason string) error {
	return fmt.Errorf("memledger: %s: %s: %w", op, reason, contracts.ErrSubmissionRejected)
}
