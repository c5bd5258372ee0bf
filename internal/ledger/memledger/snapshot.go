package memledger

import (
	"errors"
	"io/fs"
	"sort"

	"echo-chat/go-engine/internal/identity"
	"echo-chat/go-engine/internal/securestore"
	"echo-chat/go-engine/pkg/models"
)

const snapshotVersion = 1

var ErrInvalidSnapshot = errors.New("ledger snapshot is invalid")

type snapshot struct {
	Version       int              `json:"version"`
	Accounts      []snapAccount    `json:"accounts"`
	Friends       []snapFriend     `json:"friends"`
	Threads       []snapThread     `json:"threads"`
	DirectSenders []snapSenderList `json:"direct_senders"`
	Blocked       []snapBlock      `json:"blocked"`
	Messages      uint64           `json:"messages"`
}

type snapAccount struct {
	Identity  string `json:"identity"`
	Username  string `json:"username"`
	CreatedAt int64  `json:"created_at"`
}

type snapFriend struct {
	Owner    string `json:"owner"`
	Friend   string `json:"friend"`
	Nickname string `json:"nickname"`
}

type snapThread struct {
	Low      string           `json:"low"`
	High     string           `json:"high"`
	Channel  string           `json:"channel"`
	Messages []models.Message `json:"messages"`
}

type snapSenderList struct {
	Owner   string   `json:"owner"`
	Senders []string `json:"senders"`
}

type snapBlock struct {
	Owner  string `json:"owner"`
	Target string `json:"target"`
}

// Save writes the ledger state to path, encrypted when secret is set.
func (l *Ledger) Save(path, secret string) error {
	path, secret = securestore.NormalizeStorageConfig(path, secret)
	if path == "" {
		return nil
	}
	l.mu.Lock()
	snap := snapshot{Version: snapshotVersion, Messages: l.messages}
	for id, acc := range l.accounts {
		snap.Accounts = append(snap.Accounts, snapAccount{Identity: id.String(), Username: acc.username, CreatedAt: acc.createdAt})
	}
	for owner, entries := range l.friends {
		for _, f := range entries {
			snap.Friends = append(snap.Friends, snapFriend{Owner: owner.String(), Friend: f.id.String(), Nickname: f.nickname})
		}
	}
	for key, msgs := range l.threads {
		snap.Threads = append(snap.Threads, snapThread{
			Low: key.low.String(), High: key.high.String(), Channel: string(key.channel),
			Messages: append([]models.Message(nil), msgs...),
		})
	}
	for owner, senders := range l.dmSenders {
		list := snapSenderList{Owner: owner.String()}
		for _, s := range senders {
			list.Senders = append(list.Senders, s.String())
		}
		snap.DirectSenders = append(snap.DirectSenders, list)
	}
	for owner, targets := range l.blocked {
		for target := range targets {
			snap.Blocked = append(snap.Blocked, snapBlock{Owner: owner.String(), Target: target.String()})
		}
	}
	l.mu.Unlock()

	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].Identity < snap.Accounts[j].Identity })
	sort.Slice(snap.Threads, func(i, j int) bool {
		a, b := snap.Threads[i], snap.Threads[j]
		if a.Low != b.Low {
			return a.Low < b.Low
		}
		if a.High != b.High {
			return a.High < b.High
		}
		return a.Channel < b.Channel
	})
	return securestore.WriteJSON(path, secret, snap)
}

// Open restores a ledger saved with Save. A missing file yields an empty
// ledger.
func Open(path, secret string, opts ...Option) (*Ledger, error) {
	l := New(opts...)
	path, secret = securestore.NormalizeStorageConfig(path, secret)
	if path == "" {
		return l, nil
	}
	var snap snapshot
	if err := securestore.ReadJSON(path, secret, &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, ErrInvalidSnapshot
	}

	for _, acc := range snap.Accounts {
		id := identity.Normalize(acc.Identity)
		l.accounts[id] = account{username: acc.Username, createdAt: acc.CreatedAt}
		if acc.Username != "" {
			l.usernames[lowerName(acc.Username)] = id
		}
	}
	for _, f := range snap.Friends {
		owner := identity.Normalize(f.Owner)
		l.friends[owner] = append(l.friends[owner], friendEntry{id: identity.Normalize(f.Friend), nickname: f.Nickname})
	}
	for _, th := range snap.Threads {
		channel, err := models.ParseChannelKind(th.Channel)
		if err != nil {
			return nil, ErrInvalidSnapshot
		}
		key := newThreadKey(identity.Normalize(th.Low), identity.Normalize(th.High), channel)
		l.threads[key] = th.Messages
	}
	for _, list := range snap.DirectSenders {
		owner := identity.Normalize(list.Owner)
		for _, s := range list.Senders {
			l.dmSenders[owner] = append(l.dmSenders[owner], identity.Normalize(s))
		}
	}
	for _, b := range snap.Blocked {
		owner := identity.Normalize(b.Owner)
		if l.blocked[owner] == nil {
			l.blocked[owner] = make(map[models.Identity]struct{})
		}
		l.blocked[owner][identity.Normalize(b.Target)] = struct{}{}
	}
	l.messages = snap.Messages
	return l, nil
}
