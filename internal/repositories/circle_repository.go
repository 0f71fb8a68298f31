package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrCircleNotFound = errors.New("circle not found")

// CircleRepository abstracts circle membership lookups.
type CircleRepository interface {
	IsMember(ctx context.Context, circleID string, userID string) (bool, error)
	GetCircleCommunity(ctx context.Context, circleID string) (string, error)
}

// CircleRepo is a sqlx implementation of CircleRepository.
type CircleRepo struct {
	db *sqlx.DB
}

// NewCircleRepo constructs a CircleRepo.
func NewCircleRepo(db *sqlx.DB) *CircleRepo {
	return &CircleRepo{db: db}
}

// IsMember checks membership.
func (r *CircleRepo) IsMember(ctx context.Context, circleID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM circle_members WHERE circle_id=$1 AND user_id=$2)`, circleID, userID)
	return exists, err
}

// GetCircleCommunity returns the community a circle belongs to.
func (r *CircleRepo) GetCircleCommunity(ctx context.Context, circleID string) (string, error) {
	var communityID string
	err := r.db.GetContext(ctx, &communityID, `SELECT community_id FROM circles WHERE id=$1`, circleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCircleNotFound
	}
	return communityID, err
}
