package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/feedsub/internal/model"
)

// --- モック定義 ---

type mockSessionFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func validSessionFinder(userID string) *mockSessionFinder {
	return &mockSessionFinder{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id != "valid-session-id" {
				return nil, nil
			}
			return &model.Session{
				ID:        id,
				UserID:    userID,
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
	}
}

// --- テスト ---

func TestSessionMiddleware_ValidSession_InjectsUserID(t *testing.T) {
	mw := NewSessionMiddleware(validSessionFinder("user-123"), nil)

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		captured = userID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured != "user-123" {
		t.Errorf("userID = %q, want %q", captured, "user-123")
	}
}

func TestSessionMiddleware_Unauthorized(t *testing.T) {
	tests := []struct {
		name   string
		cookie *http.Cookie
		finder *mockSessionFinder
	}{
		{
			name:   "Cookieなし",
			cookie: nil,
			finder: &mockSessionFinder{},
		},
		{
			name:   "空のCookie",
			cookie: &http.Cookie{Name: SessionCookieName, Value: ""},
			finder: &mockSessionFinder{},
		},
		{
			name:   "期限切れまたは存在しないセッション",
			cookie: &http.Cookie{Name: SessionCookieName, Value: "expired"},
			finder: validSessionFinder("user-123"),
		},
		{
			name:   "リポジトリエラー",
			cookie: &http.Cookie{Name: SessionCookieName, Value: "valid-session-id"},
			finder: &mockSessionFinder{
				findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
					return nil, errors.New("connection refused")
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSessionMiddleware(tt.finder, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
		})
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for context without user ID")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-456")
	got, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "user-456" {
		t.Errorf("userID = %q, want %q", got, "user-456")
	}
}
