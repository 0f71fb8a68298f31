package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
)

var (
	// ErrLookupFailed wraps every storage failure. Callers must not read it as "not a member".
	ErrLookupFailed   = errors.New("membership lookup failed")
	ErrCircleNotFound = errors.New("circle not found")
)

type UserStore interface {
	FindUsersByIDs(ctx context.Context, userIDs []string) ([]models.User, error)
}

type CircleStore interface {
	IsMember(ctx context.Context, circleID string, userID string) (bool, error)
	GetCircleCommunity(ctx context.Context, circleID string) (string, error)
}

// Oracle answers circle membership and community questions from the external stores.
type Oracle struct {
	users   UserStore
	circles CircleStore
	cache   Cache
	sf      singleflight.Group
	logger  *slog.Logger
}

// NewOracle builds an Oracle. cache may be nil.
func NewOracle(users UserStore, circles CircleStore, cache Cache, logger *slog.Logger) *Oracle {
	return &Oracle{
		users:   users,
		circles: circles,
		cache:   cache,
		logger:  logger.With(slog.String("component", "membership")),
	}
}

func (o *Oracle) IsCircleMember(ctx context.Context, userID, circleID string) (bool, error) {
	ok, err := o.circles.IsMember(ctx, circleID, userID)
	if err != nil {
		return false, fmt.Errorf("%w: circle %s: %w", ErrLookupFailed, circleID, err)
	}
	return ok, nil
}

// CircleCommunityID returns the community owning circleID, reading through the cache.
func (o *Oracle) CircleCommunityID(ctx context.Context, circleID string) (string, error) {
	key := "circle:" + circleID
	if o.cache != nil {
		communityID, found, err := o.cache.Get(ctx, key)
		if err != nil {
			o.logger.Warn("cache read failed", slog.String("circleID", circleID), slog.Any("error", err))
		}
		if found {
			return communityID, nil
		}
	}

	val, err, _ := o.sf.Do(key, func() (any, error) {
		return o.circles.GetCircleCommunity(ctx, circleID)
	})
	if errors.Is(err, repositories.ErrCircleNotFound) {
		return "", ErrCircleNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: circle %s community: %w", ErrLookupFailed, circleID, err)
	}
	communityID := val.(string)

	if o.cache != nil {
		if err := o.cache.Set(ctx, key, communityID); err != nil {
			o.logger.Warn("cache write failed", slog.String("circleID", circleID), slog.Any("error", err))
		}
	}
	return communityID, nil
}

// SameCommunity is true iff both users exist and share a non-empty community.
// Two users without a community are not in the same community.
func (o *Oracle) SameCommunity(ctx context.Context, userA, userB string) (bool, error) {
	ids := []string{userA}
	if userB != userA {
		ids = append(ids, userB)
	}
	users, err := o.users.FindUsersByIDs(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("%w: users: %w", ErrLookupFailed, err)
	}

	communities := make(map[string]string, len(users))
	for _, u := range users {
		if u.CommunityID != nil {
			communities[u.ID] = *u.CommunityID
		}
	}
	a, okA := communities[userA]
	b, okB := communities[userB]
	return okA && okB && a != "" && a == b, nil
}

// ActiveInCommunity filters userIDs down to those whose community is communityID,
// keeping input order. All users are loaded in a single query.
func (o *Oracle) ActiveInCommunity(ctx context.Context, communityID string, userIDs []string) ([]string, error) {
	out := []string{}
	if communityID == "" || len(userIDs) == 0 {
		return out, nil
	}
	users, err := o.users.FindUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: users: %w", ErrLookupFailed, err)
	}

	inCommunity := make(map[string]bool, len(users))
	for _, u := range users {
		if u.CommunityID != nil && *u.CommunityID == communityID {
			inCommunity[u.ID] = true
		}
	}
	for _, id := range userIDs {
		if inCommunity[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
