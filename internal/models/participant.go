package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParticipantKind tags which identity table a participant id belongs to.
type ParticipantKind string

const (
	KindTenant   ParticipantKind = "tenant"
	KindLandlord ParticipantKind = "landlord"
)

// Valid reports whether k is a known participant kind.
func (k ParticipantKind) Valid() bool {
	return k == KindTenant || k == KindLandlord
}

var ErrInvalidParticipant = errors.New("invalid participant reference")

// ParticipantRef identifies a chat participant. Ids are only unique within a kind.
type ParticipantRef struct {
	ID   int64           `json:"id"`
	Kind ParticipantKind `json:"kind"`
}

// String renders the ref as "<kind>:<id>", the form used for user ids on the wire.
func (p ParticipantRef) String() string {
	return string(p.Kind) + ":" + strconv.FormatInt(p.ID, 10)
}

// IsZero reports whether the ref is unset.
func (p ParticipantRef) IsZero() bool {
	return p.ID == 0 && p.Kind == ""
}

// Validate checks that the ref points at a real identity table row shape.
func (p ParticipantRef) Validate() error {
	if p.ID <= 0 || !p.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, p.String())
	}
	return nil
}

// Less orders refs by kind then id.
func (p ParticipantRef) Less(o ParticipantRef) bool {
	if p.Kind != o.Kind {
		return p.Kind < o.Kind
	}
	return p.ID < o.ID
}

// ParseParticipantRef parses the "<kind>:<id>" form.
func ParseParticipantRef(s string) (ParticipantRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ParticipantRef{}, fmt.Errorf("%w: %q", ErrInvalidParticipant, s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ParticipantRef{}, fmt.Errorf("%w: %q", ErrInvalidParticipant, s)
	}
	ref := ParticipantRef{ID: n, Kind: ParticipantKind(kind)}
	if err := ref.Validate(); err != nil {
		return ParticipantRef{}, err
	}
	return ref, nil
}

// PairKey returns the order-independent key of a two-party chat.
func PairKey(a, b ParticipantRef) string {
	if b.Less(a) {
		a, b = b, a
	}
	return a.String() + "|" + b.String()
}

// Profile is the public display data of a participant, owned by the identity store.
type Profile struct {
	ID        int64           `db:"id" json:"id"`
	Kind      ParticipantKind `db:"-" json:"kind"`
	Name      string          `db:"name" json:"name"`
	AvatarURL string          `db:"avatar_url" json:"avatarUrl,omitempty"`
}

// Ref returns the participant reference of the profile.
func (p Profile) Ref() ParticipantRef {
	return ParticipantRef{ID: p.ID, Kind: p.Kind}
}
