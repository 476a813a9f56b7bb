package api

import (
	"context"

	"github.com/R3E-Network/transit_layer/internal/query"
)

// Query names used as the first component of cache keys.
const (
	ScheduleQuery = "schedules"
	ProfileQuery  = "profile"
)

// ScheduleKey is the cache key of a schedule listing.
func ScheduleKey(p ScheduleParams) query.Key {
	return query.NewKey(ScheduleQuery, p.Values())
}

// ProfileKey is the cache key of a user's profile.
func ProfileKey(userID string) query.Key {
	return query.NewKey(ProfileQuery, map[string]string{"user_id": userID})
}

// Queries serves API reads through the query cache and keeps it coherent
// after writes.
type Queries struct {
	api   *Client
	cache *query.Client
}

// NewQueries binds api to cache.
func NewQueries(api *Client, cache *query.Client) *Queries {
	return &Queries{api: api, cache: cache}
}

// Cache returns the underlying query client.
func (q *Queries) Cache() *query.Client {
	return q.cache
}

// Schedules returns the departures for p, from cache when possible.
func (q *Queries) Schedules(ctx context.Context, p ScheduleParams) ([]Schedule, error) {
	return query.Fetch(ctx, q.cache, ScheduleKey(p), func(ctx context.Context) ([]Schedule, error) {
		env, err := q.api.GetSchedules(ctx, p)
		return env.Data, err
	})
}

// ObserveSchedules starts a schedule observer for p.
func (q *Queries) ObserveSchedules(ctx context.Context, p ScheduleParams) *query.Observer[ScheduleParams, []Schedule] {
	return query.Observe(ctx, q.cache, ScheduleQuery, p, ScheduleKey,
		func(ctx context.Context, p ScheduleParams) ([]Schedule, error) {
			env, err := q.api.GetSchedules(ctx, p)
			return env.Data, err
		})
}

// Profile returns the profile of userID. The request itself is authorised by
// the caller's bearer token.
func (q *Queries) Profile(ctx context.Context, userID string) (User, error) {
	return query.Fetch(ctx, q.cache, ProfileKey(userID), func(ctx context.Context) (User, error) {
		env, err := q.api.GetProfile(ctx)
		return env.Data, err
	})
}

// UpdateProfile writes update and stores the returned profile.
func (q *Queries) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Envelope[User], error) {
	env, err := q.api.UpdateProfile(ctx, update)
	if err != nil {
		return env, err
	}
	query.Set(q.cache, ProfileKey(userID), env.Data)
	return env, nil
}

// UploadPhoto uploads photo and marks the profile stale so the new URL is
// picked up.
func (q *Queries) UploadPhoto(ctx context.Context, userID string, photo PhotoFile) (Envelope[PhotoUploadResult], error) {
	env, err := q.api.UploadPhoto(ctx, photo)
	if err != nil {
		return env, err
	}
	q.cache.Invalidate(ProfileKey(userID))
	return env, nil
}
