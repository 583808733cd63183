package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// StatusRecorder はレスポンスのステータスコードを記録する。
// metrics.MetricsCollectorが実装する。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// statusWriter はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.statusCode = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap はhttp.ResponseControllerから元のResponseWriterを参照するために使う。
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// loggedUser は内側のミドルウェアで判明したユーザーIDをログ出力まで運ぶ。
// 1リクエストのゴルーチン内でのみ使う。
type loggedUser struct {
	userID string
}

func (l *loggedUser) get() string { return l.userID }

var loggedUserContextKey = contextKey("logged_user")

func withLoggedUser(ctx context.Context, l *loggedUser) context.Context {
	return context.WithValue(ctx, loggedUserContextKey, l)
}

// noteLoggedUser はロギングミドルウェアの内側で認証されたユーザーIDを記録する。
func noteLoggedUser(ctx context.Context, userID string) {
	if l, ok := ctx.Value(loggedUserContextKey).(*loggedUser); ok {
		l.userID = userID
	}
}

// NewLoggingMiddleware はリクエストごとに http_request ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、user_id（認証済みの場合）を含む。
// recorderがnilでなければステータスコードをメトリクスにも記録する。
// セッションミドルウェアは内側のグループに置かれるため、認証済みユーザーIDは
// コンテキストに置いたloggedUserを介して受け取る。
func NewLoggingMiddleware(logger *slog.Logger, recorder StatusRecorder) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			holder := &loggedUser{}
			r = r.WithContext(withLoggedUser(r.Context(), holder))

			next.ServeHTTP(sw, r)

			durationMs := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.statusCode),
				slog.Float64("duration_ms", durationMs),
			}
			if userID := holder.get(); userID != "" {
				args = append(args, slog.String("user_id", userID))
			} else if userID, err := UserIDFromContext(r.Context()); err == nil {
				args = append(args, slog.String("user_id", userID))
			}

			level := slog.LevelInfo
			switch {
			case sw.statusCode >= 500:
				level = slog.LevelError
			case sw.statusCode >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)

			if recorder != nil {
				recorder.RecordHTTPStatus(sw.statusCode)
			}
		})
	}
}
