// Package relationship owns the friend/block state of the local user towards
// each counterparty. Local state changes only after the ledger confirmed the
// corresponding submission.
package relationship

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/metrics"
	"echo-chat/go-engine/internal/platform/privacylog"
	"echo-chat/go-engine/pkg/models"
)

const componentName = "relationship"

var ErrUnknownAction = errors.New("unknown relationship action")

type ActionKind string

const (
	ActionAddFriend          ActionKind = "add_friend"
	ActionBlock              ActionKind = "block"
	ActionUnblock            ActionKind = "unblock"
	ActionUnfriend           ActionKind = "unfriend"
	ActionRemoveDirectSender ActionKind = "remove_direct_sender"
)

func ParseActionKind(raw string) (ActionKind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch ActionKind(normalized) {
	case ActionAddFriend, ActionBlock, ActionUnblock, ActionUnfriend, ActionRemoveDirectSender:
		return ActionKind(normalized), nil
	default:
		return "", ErrUnknownAction
	}
}

type Action struct {
	Kind     ActionKind
	Target   models.Identity
	Nickname string
}

// Gateway is the part of the ledger port the machine uses.
type Gateway interface {
	AccountExists(ctx context.Context, id models.Identity) (bool, error)
	IsBlocked(ctx context.Context, local, id models.Identity) (bool, error)
	SubmitAddFriend(ctx context.Context, id models.Identity, nickname string) error
	SubmitBlock(ctx context.Context, id models.Identity) error
	SubmitUnblock(ctx context.Context, id models.Identity) error
	SubmitRemoveDirectSender(ctx context.Context, id models.Identity) error
}

// Observation is the ledger's view of the local user's relationships, taken
// from the latest directory sources.
type Observation struct {
	Friends    []models.Identity
	DirectOnly []models.Identity
	// Blocked holds isBlocked probe results. Identities absent from the map
	// keep what the machine already knew.
	Blocked map[models.Identity]bool
	// Generation is Machine.Generation() taken before the sources were read.
	Generation uint64
}

type Machine struct {
	gateway Gateway
	local   models.Identity
	metrics *metrics.Recorder
	logger  *slog.Logger

	mu         sync.RWMutex
	friends    map[models.Identity]struct{}
	directOnly map[models.Identity]struct{}
	blocked    map[models.Identity]struct{}
	inFlight   map[models.Identity]ActionKind
	// generation counts committed transitions.
	generation uint64
}

func NewMachine(gateway Gateway, local models.Identity, rec *metrics.Recorder, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		gateway:    gateway,
		local:      identity.Normalize(local.String()),
		metrics:    rec,
		logger:     logger,
		friends:    make(map[models.Identity]struct{}),
		directOnly: make(map[models.Identity]struct{}),
		blocked:    make(map[models.Identity]struct{}),
		inFlight:   make(map[models.Identity]ActionKind),
	}
}

// Generation changes every time a confirmed action is committed locally.
func (m *Machine) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Observe replaces the friend and direct-only sets and merges block probes.
// An observation read before the latest committed action is older than the
// local state and is rejected; Observe reports whether it was applied.
func (m *Machine) Observe(obs Observation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obs.Generation != m.generation {
		return false
	}
	m.friends = toSet(obs.Friends)
	m.directOnly = toSet(obs.DirectOnly)
	for raw, blocked := range obs.Blocked {
		id := identity.Normalize(raw.String())
		if blocked {
			m.blocked[id] = struct{}{}
		} else {
			delete(m.blocked, id)
		}
	}
	return true
}

func toSet(ids []models.Identity) map[models.Identity]struct{} {
	out := make(map[models.Identity]struct{}, len(ids))
	for _, id := range ids {
		out[identity.Normalize(id.String())] = struct{}{}
	}
	return out
}

// State returns the relationship towards id. Blocked supersedes Friend.
func (m *Machine) State(id models.Identity) models.RelationshipState {
	id = identity.Normalize(id.String())
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked(id)
}

func (m *Machine) stateLocked(id models.Identity) models.RelationshipState {
	if _, ok := m.blocked[id]; ok {
		return models.RelationshipBlocked
	}
	if _, ok := m.friends[id]; ok {
		return models.RelationshipFriend
	}
	return models.RelationshipUnrelated
}

func (m *Machine) IsBlocked(id models.Identity) bool {
	return m.State(id) == models.RelationshipBlocked
}

// ChannelFor picks the message store for a send to id from the relationship
// at call time: the friend channel for friends, the direct channel otherwise.
func (m *Machine) ChannelFor(id models.Identity) models.ChannelKind {
	id = identity.Normalize(id.String())
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.friends[id]; ok {
		return models.ChannelFriend
	}
	return models.ChannelDirect
}

// Apply validates the action against the current state, submits it and, once
// the ledger accepted it, commits the transition locally.
func (m *Machine) Apply(ctx context.Context, action Action) error {
	op := "relationship." + string(action.Kind)
	target := identity.Normalize(action.Target.String())
	if target == "" {
		return contracts.Failure(contracts.KindInvalidIdentity, op, "", nil)
	}
	if target == m.local {
		return contracts.Failure(contracts.KindOperationNotSupported, op, target, errors.New("target is the local identity"))
	}

	if err := m.begin(target, action.Kind); err != nil {
		return err
	}
	err := m.run(ctx, op, target, action)
	m.end(target)

	m.metrics.RecordRelationshipAction(string(action.Kind), err)
	if err != nil {
		m.logger.Warn("relationship action failed",
			"component", componentName,
			"operation", op,
			"correlation_id", privacylog.FingerprintID(target.String()),
			"kind", string(contracts.KindOf(err)),
			"error", err.Error(),
		)
		return err
	}
	m.logger.Info("relationship action confirmed",
		"component", componentName,
		"operation", op,
		"correlation_id", privacylog.FingerprintID(target.String()),
		"state", string(m.State(target)),
	)
	return nil
}

func (m *Machine) begin(target models.Identity, kind ActionKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pending, ok := m.inFlight[target]; ok {
		return contracts.Failure(contracts.KindActionInFlight, "relationship."+string(kind), target, errors.New(string(pending)+" still pending"))
	}
	m.inFlight[target] = kind
	return nil
}

func (m *Machine) end(target models.Identity) {
	m.mu.Lock()
	delete(m.inFlight, target)
	m.mu.Unlock()
}

func (m *Machine) run(ctx context.Context, op string, target models.Identity, action Action) error {
	switch action.Kind {
	case ActionAddFriend:
		return m.addFriend(ctx, op, target, action.Nickname)
	case ActionBlock:
		return m.block(ctx, op, target)
	case ActionUnblock:
		return m.unblock(ctx, op, target)
	case ActionUnfriend:
		return contracts.Failure(contracts.KindOperationNotSupported, op, target, errors.New("the ledger cannot remove friends; block instead"))
	case ActionRemoveDirectSender:
		return m.removeDirectSender(ctx, op, target)
	default:
		return contracts.Failure(contracts.KindOperationNotSupported, op, target, ErrUnknownAction)
	}
}

func (m *Machine) addFriend(ctx context.Context, op string, target models.Identity, nickname string) error {
	switch m.State(target) {
	case models.RelationshipFriend:
		return contracts.Failure(contracts.KindAlreadyRelated, op, target, nil)
	case models.RelationshipBlocked:
		return contracts.Failure(contracts.KindOperationNotSupported, op, target, errors.New("unblock before adding as friend"))
	}
	exists, err := m.gateway.AccountExists(ctx, target)
	if err != nil {
		return contracts.AsFailure(op, target, err)
	}
	if !exists {
		return contracts.Failure(contracts.KindCounterpartyUnregistered, op, target, nil)
	}
	if err := m.gateway.SubmitAddFriend(ctx, target, strings.TrimSpace(nickname)); err != nil {
		return contracts.AsFailure(op, target, err)
	}
	m.mu.Lock()
	m.friends[target] = struct{}{}
	delete(m.directOnly, target)
	m.generation++
	m.mu.Unlock()
	return nil
}

func (m *Machine) block(ctx context.Context, op string, target models.Identity) error {
	if m.State(target) == models.RelationshipBlocked {
		return contracts.Failure(contracts.KindAlreadyRelated, op, target, nil)
	}
	if err := m.gateway.SubmitBlock(ctx, target); err != nil {
		return contracts.AsFailure(op, target, err)
	}
	m.mu.Lock()
	m.blocked[target] = struct{}{}
	m.generation++
	m.mu.Unlock()
	return nil
}

func (m *Machine) unblock(ctx context.Context, op string, target models.Identity) error {
	if m.State(target) != models.RelationshipBlocked {
		blocked, err := m.gateway.IsBlocked(ctx, m.local, target)
		if err != nil {
			return contracts.AsFailure(op, target, err)
		}
		if !blocked {
			return contracts.Failure(contracts.KindOperationNotSupported, op, target, errors.New("identity is not blocked"))
		}
	}
	if err := m.gateway.SubmitUnblock(ctx, target); err != nil {
		return contracts.AsFailure(op, target, err)
	}
	m.mu.Lock()
	delete(m.blocked, target)
	m.generation++
	m.mu.Unlock()
	return nil
}

func (m *Machine) removeDirectSender(ctx context.Context, op string, target models.Identity) error {
	m.mu.RLock()
	_, isFriend := m.friends[target]
	_, isDirect := m.directOnly[target]
	m.mu.RUnlock()
	if isFriend {
		return contracts.Failure(contracts.KindOperationNotSupported, op, target, errors.New("friends cannot be removed"))
	}
	if !isDirect {
		return contracts.Failure(contracts.KindOperationNotSupported, op, target, errors.New("not a direct-message sender"))
	}
	if err := m.gateway.SubmitRemoveDirectSender(ctx, target); err != nil {
		return contracts.AsFailure(op, target, err)
	}
	m.mu.Lock()
	delete(m.directOnly, target)
	m.generation++
	m.mu.Unlock()
	return nil
}
