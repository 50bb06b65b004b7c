package model

import (
	"fmt"
	"strings"
)

// Kind distinguishes a peer-to-peer thread from a community channel.
type Kind string

const (
	Direct    Kind = "direct"
	Community Kind = "community"
)

// ConversationKey identifies either a direct thread (ID is the peer user id)
// or a community chat room (ID is the community id).
type ConversationKey struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// DirectWith returns the key of the direct thread with peerID.
func DirectWith(peerID string) ConversationKey {
	return ConversationKey{Kind: Direct, ID: peerID}
}

// CommunityOf returns the key of a community channel.
func CommunityOf(communityID string) ConversationKey {
	return ConversationKey{Kind: Community, ID: communityID}
}

// IsZero reports whether no conversation is addressed.
func (k ConversationKey) IsZero() bool {
	return k.ID == ""
}

// String renders the key as "kind:id", the form used on the wire and in the outbox.
func (k ConversationKey) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.Kind) + ":" + k.ID
}

// Validate checks the key addresses a known kind with a non-empty id.
func (k ConversationKey) Validate() error {
	if k.Kind != Direct && k.Kind != Community {
		return fmt.Errorf("unknown conversation kind %q", k.Kind)
	}
	if strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("empty conversation id")
	}
	return nil
}

// ParseConversationKey parses the "kind:id" form produced by String.
func ParseConversationKey(s string) (ConversationKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	k := ConversationKey{Kind: Kind(kind), ID: id}
	if err := k.Validate(); err != nil {
		return ConversationKey{}, err
	}
	return k, nil
}
