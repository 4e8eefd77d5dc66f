package middleware

import "context"

type contextKey string

const UserIDKey contextKey = "user_id"

// GetUserID returns the authenticated user id from the context, or 0 when
// the request was not authenticated.
func GetUserID(ctx context.Context) int64 {
	v, _ := ctx.Value(UserIDKey).(int64)
	return v
}
