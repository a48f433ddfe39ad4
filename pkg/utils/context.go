package utils

import (
	"context"
)

type contextKey string

const (
	CallerIDKey contextKey = "caller_id"
	RoleKey     contextKey = "role"
)

const RoleAdmin = "admin"

func SetCallerContext(ctx context.Context, callerID, role string) context.Context {
	ctx = context.WithValue(ctx, CallerIDKey, callerID)
	ctx = context.WithValue(ctx, RoleKey, role)
	return ctx
}

func GetCallerIDFromContext(ctx context.Context) (string, bool) {
	callerID, ok := ctx.Value(CallerIDKey).(string)
	return callerID, ok && callerID != ""
}

func GetRoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}
