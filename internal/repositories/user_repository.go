package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"realtime-service/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository abstracts read access to the user store.
type UserRepository interface {
	FindUserByID(ctx context.Context, userID string) (models.User, error)
	FindUserBySubject(ctx context.Context, subject string) (models.User, error)
	FindUsersByIDs(ctx context.Context, userIDs []string) ([]models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, name, email, community_id, status`

// FindUserByID fetches a user by primary key.
func (r *UserRepo) FindUserByID(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// FindUserBySubject resolves a credential subject. Subjects are user ids only.
func (r *UserRepo) FindUserBySubject(ctx context.Context, subject string) (models.User, error) {
	return r.FindUserByID(ctx, subject)
}

// FindUsersByIDs loads several users in one query. Unknown ids are simply absent from the result.
func (r *UserRepo) FindUsersByIDs(ctx context.Context, userIDs []string) ([]models.User, error) {
	if len(userIDs) == 0 {
		return []models.User{}, nil
	}
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	var users []models.User
	if err := r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return users, nil
}
