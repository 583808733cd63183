package cache

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
)

// setupRedis はテスト用のRedisクライアントを返す。
// TEST_REDIS_ADDR に接続できない場合はテストをスキップする。
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client, err := NewClient(context.Background(), addr, "", 15)
	if err != nil {
		t.Skipf("テスト用Redisに接続できません（スキップ）: %v", err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("FlushDB failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestKeys_ArePerUser(t *testing.T) {
	if staleKey("u1") == staleKey("u2") {
		t.Error("ユーザーごとに異なるキーであるべき")
	}
	if staleKey("u1") == doneKey("u1") || doneKey("u1") == hashKey("u1") {
		t.Error("状態ごとに異なるキーであるべき")
	}
	if pendingKey("u1", 1) == pendingKey("u1", 2) {
		t.Error("世代ごとに異なるキーであるべき")
	}
}

func TestParseGeneration(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    int64
		wantErr bool
	}{
		{"キーが無い", nil, 0, false},
		{"数値", "42", 42, false},
		{"不正な値", "abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGeneration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRedisFaviconState_Lifecycle(t *testing.T) {
	client := setupRedis(t)
	state := NewRedisFaviconState(client)
	ctx := context.Background()

	hash, err := state.Hash(ctx, "user-1")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if hash != "" {
		t.Errorf("未計算のハッシュは空であるべき: %q", hash)
	}

	if err := state.MarkStale(ctx, "user-1"); err != nil {
		t.Fatalf("MarkStale returned error: %v", err)
	}
	gen, stale, err := state.IsStale(ctx, "user-1")
	if err != nil || !stale || gen != 1 {
		t.Fatalf("IsStale = %d, %v, %v; want 1, true", gen, stale, err)
	}

	started, err := state.BeginRefresh(ctx, "user-1", gen, 2)
	if err != nil || !started {
		t.Fatalf("BeginRefresh = %v, %v; want true", started, err)
	}
	started, _ = state.BeginRefresh(ctx, "user-1", gen, 2)
	if started {
		t.Error("同じ世代のリフレッシュが二重に開始されました")
	}

	remaining, err := state.FinishRange(ctx, "user-1", gen)
	if err != nil || remaining != 1 {
		t.Fatalf("FinishRange = %d, %v; want 1", remaining, err)
	}
	remaining, err = state.FinishRange(ctx, "user-1", gen)
	if err != nil || remaining != 0 {
		t.Fatalf("FinishRange = %d, %v; want 0", remaining, err)
	}

	applied, err := state.Complete(ctx, "user-1", gen, "abc123")
	if err != nil || !applied {
		t.Fatalf("Complete = %v, %v; want true", applied, err)
	}
	hash, _ = state.Hash(ctx, "user-1")
	if hash != "abc123" {
		t.Errorf("Hash = %q, want %q", hash, "abc123")
	}
	if _, stale, _ = state.IsStale(ctx, "user-1"); stale {
		t.Error("Complete後はstaleが解除されるべき")
	}
}

func TestRedisFaviconState_MarkStaleDuringRefreshKeepsStale(t *testing.T) {
	client := setupRedis(t)
	state := NewRedisFaviconState(client)
	ctx := context.Background()

	_ = state.MarkStale(ctx, "user-1")
	first, _, _ := state.IsStale(ctx, "user-1")
	if _, err := state.BeginRefresh(ctx, "user-1", first, 1); err != nil {
		t.Fatalf("BeginRefresh returned error: %v", err)
	}

	// リフレッシュ中に購読が追加される
	_ = state.MarkStale(ctx, "user-1")

	if _, err := state.Complete(ctx, "user-1", first, "old"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	gen, stale, err := state.IsStale(ctx, "user-1")
	if err != nil {
		t.Fatalf("IsStale returned error: %v", err)
	}
	if !stale || gen != first+1 {
		t.Errorf("IsStale = %d, %v; want %d, true", gen, stale, first+1)
	}

	if _, err := state.Complete(ctx, "user-1", gen, "new"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	applied, err := state.Complete(ctx, "user-1", first, "older")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if applied {
		t.Error("古い世代の完了が新しい世代を上書きしました")
	}
	if hash, _ := state.Hash(ctx, "user-1"); hash != "new" {
		t.Errorf("Hash = %q, want %q", hash, "new")
	}
}
