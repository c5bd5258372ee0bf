package models

import (
	"errors"
	"strings"
)

// ChannelKind selects one of the two ledger-side message stores kept for a
// pair of identities. The stores are never merged.
type ChannelKind string

const (
	ChannelFriend ChannelKind = "friend"
	ChannelDirect ChannelKind = "direct"
)

var ErrUnknownChannel = errors.New("unknown channel kind")

func ParseChannelKind(raw string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ChannelFriend):
		return ChannelFriend, nil
	case string(ChannelDirect), "dm":
		return ChannelDirect, nil
	default:
		return "", ErrUnknownChannel
	}
}

// ThreadKey identifies one conversation of the local user.
type ThreadKey struct {
	Counterparty Identity
	Channel      ChannelKind
}

func (k ThreadKey) String() string {
	return string(k.Counterparty) + ":" + string(k.Channel)
}
