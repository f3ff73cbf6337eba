package router

import "context"

type contextKey string

const pathParamsKey contextKey = "path_params"

// ContextWithPathParams stores extracted path parameters in the context.
func ContextWithPathParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, pathParamsKey, params)
}

// PathParamsFromContext returns path parameters stored in the context,
// or nil when none were extracted.
func PathParamsFromContext(ctx context.Context) map[string]string {
	params, _ := ctx.Value(pathParamsKey).(map[string]string)
	return params
}
