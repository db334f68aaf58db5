package service

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-ID"

type requestInfo struct {
	id       string
	deviceID string
}

type requestInfoCtxKey struct{}

func setRequestDevice(ctx context.Context, deviceID string) {
	if info, ok := ctx.Value(requestInfoCtxKey{}).(*requestInfo); ok {
		info.deviceID = deviceID
	}
}

// RequestIDFromContext returns the id assigned by the access log.
func RequestIDFromContext(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoCtxKey{}).(*requestInfo); ok {
		return info.id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Service) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{id: r.Header.Get(HeaderRequestID)}
		if _, err := uuid.Parse(info.id); err != nil {
			info.id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, info.id)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestInfoCtxKey{}, info)))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Debug("Request served",
			"request_id", info.id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"device_id", info.deviceID,
			"remote_addr", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}
