package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yieldline/internal/logger"
)

type requestIDKey struct{}
type actorKey struct{}

const (
	headerRequestID = "X-Request-Id"
	// headerActorID attributes imports to a person or system. It is recorded,
	// not verified.
	headerActorID = "X-Actor-Id"
	defaultActor  = "api"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestContext tags each request with an id and an actor and logs its outcome.
func requestContext(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			requestID := strings.TrimSpace(req.Header.Get(headerRequestID))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			actor := strings.TrimSpace(req.Header.Get(headerActorID))
			if actor == "" {
				actor = defaultActor
			}
			w.Header().Set(headerRequestID, requestID)
			ctx := context.WithValue(req.Context(), requestIDKey{}, requestID)
			ctx = context.WithValue(ctx, actorKey{}, actor)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req.WithContext(ctx))

			fields := []any{
				logger.FieldRequestID, requestID,
				logger.FieldMethod, req.Method,
				logger.FieldPath, req.URL.Path,
				logger.FieldStatus, rec.status,
				logger.FieldDurationMS, time.Since(start).Milliseconds(),
			}
			if rec.status >= http.StatusInternalServerError {
				log.Errorw("request failed", fields...)
				return
			}
			log.Debugw("request", fields...)
		})
	}
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return defaultActor
}
