package clients

import "context"

type contextKey string

const workerIDKey contextKey = "worker_id"

// WithWorkerID attaches a worker id to the context for outbound requests
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// GetWorkerID extracts the worker id from the context
func GetWorkerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workerIDKey).(string)
	return id, ok && id != ""
}
