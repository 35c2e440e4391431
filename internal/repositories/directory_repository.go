package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"rental-chat/internal/models"
)

var ErrParticipantNotFound = errors.New("participant not found")

// DirectoryRepository reads participant profiles from the identity store.
type DirectoryRepository interface {
	GetProfile(ctx context.Context, ref models.ParticipantRef) (models.Profile, error)
	BulkProfiles(ctx context.Context, refs []models.ParticipantRef) (map[models.ParticipantRef]models.Profile, error)
}

// DirectoryRepo queries the tenants and landlords tables.
type DirectoryRepo struct {
	db *sqlx.DB
}

// NewDirectoryRepo constructs a DirectoryRepo.
func NewDirectoryRepo(db *sqlx.DB) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

func profileTable(kind models.ParticipantKind) (string, error) {
	switch kind {
	case models.KindTenant:
		return "tenants", nil
	case models.KindLandlord:
		return "landlords", nil
	}
	return "", models.ErrInvalidParticipant
}

// GetProfile returns the public profile of a single participant.
func (r *DirectoryRepo) GetProfile(ctx context.Context, ref models.ParticipantRef) (models.Profile, error) {
	table, err := profileTable(ref.Kind)
	if err != nil {
		return models.Profile{}, err
	}
	var p models.Profile
	err = r.db.GetContext(ctx, &p, `SELECT id, name, COALESCE(avatar_url, '') AS avatar_url FROM `+table+` WHERE id=$1`, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrParticipantNotFound
	}
	if err != nil {
		return models.Profile{}, err
	}
	p.Kind = ref.Kind
	return p, nil
}

// BulkProfiles loads many profiles with one query per kind. Unknown refs are omitted.
func (r *DirectoryRepo) BulkProfiles(ctx context.Context, refs []models.ParticipantRef) (map[models.ParticipantRef]models.Profile, error) {
	out := make(map[models.ParticipantRef]models.Profile, len(refs))
	byKind := map[models.ParticipantKind][]int64{}
	for _, ref := range refs {
		byKind[ref.Kind] = append(byKind[ref.Kind], ref.ID)
	}

	for kind, ids := range byKind {
		table, err := profileTable(kind)
		if err != nil {
			return nil, err
		}
		query, args, err := sqlx.In(`SELECT id, name, COALESCE(avatar_url, '') AS avatar_url FROM `+table+` WHERE id IN (?)`, ids)
		if err != nil {
			return nil, err
		}
		var profiles []models.Profile
		if err := r.db.SelectContext(ctx, &profiles, r.db.Rebind(query), args...); err != nil {
			return nil, err
		}
		for _, p := range profiles {
			p.Kind = kind
			out[p.Ref()] = p
		}
	}
	return out, nil
}
