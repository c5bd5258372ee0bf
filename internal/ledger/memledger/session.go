package memledger

import (
	"context"
	"fmt"
	"strings"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/pkg/models"
)

// Session is the ledger seen through one local identity. Submissions are
// signed by that identity.
type Session struct {
	ledger *Ledger
	local  models.Identity
}

var _ contracts.LedgerGateway = (*Session)(nil)

func (s *Session) Local() models.Identity {
	return s.local
}

func (s *Session) AccountExists(ctx context.Context, id models.Identity) (bool, error) {
	if err := s.ledger.enter(ctx, MethodAccountExists); err != nil {
		return false, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[identity.Normalize(id.String())]
	return ok, nil
}

func (s *Session) ResolveUsername(ctx context.Context, id models.Identity) (string, bool, error) {
	if err := s.ledger.enter(ctx, MethodResolveUsername); err != nil {
		return "", false, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[identity.Normalize(id.String())]
	if !ok || acc.username == "" {
		return "", false, nil
	}
	return acc.username, true, nil
}

func (s *Session) ResolveIdentityByUsername(ctx context.Context, username string) (models.Identity, error) {
	if err := s.ledger.enter(ctx, MethodResolveIdentity); err != nil {
		return "", err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.usernames[lowerName(username)]
	if !ok {
		return "", fmt.Errorf("memledger: resolve %q: %w", username, contracts.ErrNameNotFound)
	}
	return id, nil
}

func (s *Session) UsernameExists(ctx context.Context, username string) (bool, error) {
	if err := s.ledger.enter(ctx, MethodUsernameExists); err != nil {
		return false, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.usernames[lowerName(username)]
	return ok, nil
}

func (s *Session) AccountCreatedAt(ctx context.Context, id models.Identity) (int64, error) {
	if err := s.ledger.enter(ctx, MethodAccountCreatedAt); err != nil {
		return 0, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[identity.Normalize(id.String())].createdAt, nil
}

func (s *Session) IsBlocked(ctx context.Context, local, id models.Identity) (bool, error) {
	if err := s.ledger.enter(ctx, MethodIsBlocked); err != nil {
		return false, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedLocked(identity.Normalize(local.String()), identity.Normalize(id.String())), nil
}

func (s *Session) ListFriends(ctx context.Context, local models.Identity) ([]models.ContactRecord, error) {
	if err := s.ledger.enter(ctx, MethodListFriends); err != nil {
		return nil, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.sortedFriendsLocked(identity.Normalize(local.String()))
	out := make([]models.ContactRecord, 0, len(entries))
	for _, f := range entries {
		out = append(out, models.ContactRecord{
			Identity:         f.id,
			Address:          identity.Checksum(f.id),
			DisplayName:      f.nickname,
			Source:           models.ContactSourceFriend,
			IsFriend:         true,
			AccountCreatedAt: l.accounts[f.id].createdAt,
		})
	}
	return out, nil
}

func (s *Session) ListDirectMessageSenders(ctx context.Context, local models.Identity) ([]models.Identity, error) {
	if err := s.ledger.enter(ctx, MethodListDirectSenders); err != nil {
		return nil, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Identity(nil), l.dmSenders[identity.Normalize(local.String())]...), nil
}

func (s *Session) ReadThread(ctx context.Context, local, counterparty models.Identity, channel models.ChannelKind) ([]models.Message, error) {
	if err := s.ledger.enter(ctx, MethodReadThread); err != nil {
		return nil, err
	}
	if channel != models.ChannelFriend && channel != models.ChannelDirect {
		return nil, models.ErrUnknownChannel
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	key := newThreadKey(identity.Normalize(local.String()), identity.Normalize(counterparty.String()), channel)
	return append([]models.Message(nil), l.threads[key]...), nil
}

func (s *Session) UserCount(ctx context.Context) (uint64, error) {
	if err := s.ledger.enter(ctx, MethodUserCount); err != nil {
		return 0, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.accounts)), nil
}

func (s *Session) TotalMessageCount(ctx context.Context) (uint64, error) {
	if err := s.ledger.enter(ctx, MethodTotalMessageCount); err != nil {
		return 0, err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages, nil
}

func (s *Session) SubmitCreateAccount(ctx context.Context, username string) error {
	if err := s.ledger.enter(ctx, MethodSubmitCreateAccount); err != nil {
		return err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createAccountLocked(s.local, username)
}

func (s *Session) SubmitAddFriend(ctx context.Context, id models.Identity, nickname string) error {
	if err := s.ledger.enter(ctx, MethodSubmitAddFriend); err != nil {
		return err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	target := identity.Normalize(id.String())
	self, ok := l.accounts[s.local]
	if !ok {
		return rejected("addFriend", "sender has no account")
	}
	peer, ok := l.accounts[target]
	if !ok {
		return fmt.Errorf("memledger: addFriend: %w", contracts.ErrCounterpartyUnregistered)
	}
	if target == s.local {
		return rejected("addFriend", "cannot befriend self")
	}
	if l.isFriendLocked(s.local, target) {
		return fmt.Errorf("memledger: addFriend: %w", contracts.ErrAlreadyRelated)
	}
	if strings.TrimSpace(nickname) == "" {
		nickname = peer.username
	}
	l.friends[s.local] = append(l.friends[s.local], friendEntry{id: target, nickname: nickname})
	l.friends[target] = append(l.friends[target], friendEntry{id: s.local, nickname: self.username})
	return nil
}

func (s *Session) SubmitSendMessage(ctx context.Context, counterparty models.Identity, channel models.ChannelKind, body string) error {
	if err := s.ledger.enter(ctx, MethodSubmitSendMessage); err != nil {
		return err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	target := identity.Normalize(counterparty.String())
	if body == "" {
		return rejected("sendMessage", "empty body")
	}
	if l.blockedLocked(target, s.local) {
		return rejected("sendMessage", "sender is blocked by recipient")
	}
	switch channel {
	case models.ChannelFriend:
		if !l.isFriendLocked(s.local, target) {
			return rejected("sendMessage", "not friends")
		}
		l.appendMessageLocked(s.local, target, channel, body)
	case models.ChannelDirect:
		if _, ok := l.accounts[s.local]; !ok {
			return rejected("sendDirectMessage", "sender has no account")
		}
		l.appendMessageLocked(s.local, target, channel, body)
		if !containsIdentity(l.dmSenders[target], s.local) {
			l.dmSenders[target] = append(l.dmSenders[target], s.local)
		}
	default:
		return models.ErrUnknownChannel
	}
	return nil
}

func (s *Session) SubmitBlock(ctx context.Context, id models.Identity) error {
	if err := s.ledger.enter(ctx, MethodSubmitBlock); err != nil {
		return err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	target := identity.Normalize(id.String())
	if target == s.local {
		return rejected("blockUser", "cannot block self")
	}
	set := l.blocked[s.local]
	if set == nil {
		set = make(map[models.Identity]struct{})
		l.blocked[s.local] = set
	}
	set[target] = struct{}{}
	return nil
}

func (s *Session) SubmitUnblock(ctx context.Context, id models.Identity) error {
	if err := s.ledger.enter(ctx, MethodSubmitUnblock); err != nil {
		return err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	target := identity.Normalize(id.String())
	if !l.blockedLocked(s.local, target) {
		return rejected("unblockUser", "user is not blocked")
	}
	delete(l.blocked[s.local], target)
	return nil
}

func (s *Session) SubmitRemoveDirectSender(ctx context.Context, id models.Identity) error {
	if err := s.ledger.enter(ctx, MethodSubmitRemoveDirectSender); err != nil {
		return err
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	target := identity.Normalize(id.String())
	senders := l.dmSenders[s.local]
	for i, sender := range senders {
		if sender == target {
			l.dmSenders[s.local] = append(senders[:i:i], senders[i+1:]...)
			return nil
		}
	}
	return rejected("removeDirectMessageSender", "sender not found")
}

func containsIdentity(list []models.Identity, id models.Identity) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}
