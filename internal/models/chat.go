package models

import "time"

// Chat represents a two-party conversation between a tenant and/or landlords.
type Chat struct {
	ID            int64             `json:"id"`
	Participants  [2]ParticipantRef `json:"participants"`
	LastMessageID *int64            `json:"lastMessageId,omitempty"`
	Unread        map[string]int    `json:"unreadCounts"`
	IsActive      bool              `json:"isActive"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// HasParticipant reports whether p is one of the two participants.
func (c Chat) HasParticipant(p ParticipantRef) bool {
	return c.Participants[0] == p || c.Participants[1] == p
}

// Counterpart returns the participant that is not p.
func (c Chat) Counterpart(p ParticipantRef) (ParticipantRef, bool) {
	switch p {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	}
	return ParticipantRef{}, false
}

// UnreadFor returns the unread counter of p.
func (c Chat) UnreadFor(p ParticipantRef) int {
	return c.Unread[p.String()]
}

// ChatView is the API-friendly view of a chat for one of its participants.
type ChatView struct {
	ID           int64     `json:"id"`
	Participants []Profile `json:"participants"`
	Counterpart  Profile   `json:"counterpart"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
