// Package cache はユーザーごとのfavicon集合の状態をRedisに保持する。
//
// 購読が追加されると集合の世代を進め、ワーカーが全範囲の処理を終えた時点で
// その世代のハッシュを保存する。
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// defaultStateTTL は進行中のリフレッシュ状態を保持する期間。
// ワーカーが途中で停止しても状態が残り続けないようにする。
const defaultStateTTL = time.Hour

// FaviconState はユーザーごとのfavicon集合の状態を世代番号で管理する。
//
// MarkStale のたびに世代が1つ進み、リフレッシュは開始時に見た世代で完了を記録する。
// 完了した世代より新しい MarkStale があれば、集合は stale のまま残る。
type FaviconState interface {
	// MarkStale は集合が古くなったことを記録し、世代を進める。
	MarkStale(ctx context.Context, userID string) error
	// IsStale は現在の世代と、その世代がまだ完了していないかどうかを返す。
	IsStale(ctx context.Context, userID string) (generation int64, stale bool, err error)
	// BeginRefresh は generation のリフレッシュを ranges 件の範囲ジョブで開始する。
	// 同じ世代のリフレッシュが既に進行中の場合は false を返す。
	BeginRefresh(ctx context.Context, userID string, generation int64, ranges int) (bool, error)
	// FinishRange は generation の範囲ジョブ1件の完了を記録し、残りの件数を返す。
	FinishRange(ctx context.Context, userID string, generation int64) (int64, error)
	// Complete は generation のハッシュを保存する。
	// より新しい世代が既に完了している場合は何もせず false を返す。
	Complete(ctx context.Context, userID string, generation int64, hash string) (bool, error)
	// Hash は保存済みのハッシュを返す。未計算の場合は空文字列を返す。
	Hash(ctx context.Context, userID string) (string, error)
}

// RedisFaviconState はRedisを使用したFaviconState。
type RedisFaviconState struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisFaviconState はRedisFaviconStateを生成する。
func NewRedisFaviconState(client *redis.Client) *RedisFaviconState {
	return &RedisFaviconState{client: client, ttl: defaultStateTTL}
}

var _ FaviconState = (*RedisFaviconState)(nil)

// NewClient はRedisクライアントを生成し、接続を確認する。
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗しました: %w", err)
	}
	return client, nil
}

func staleKey(userID string) string { return "feedsub:favicon:" + userID + ":stale" }
func doneKey(userID string) string  { return "feedsub:favicon:" + userID + ":done" }
func hashKey(userID string) string  { return "feedsub:favicon:" + userID + ":hash" }

func pendingKey(userID string, generation int64) string {
	return "feedsub:favicon:" + userID + ":pending:" + strconv.FormatInt(generation, 10)
}

// completeScript は完了済みの世代より古い完了を無視して、ハッシュと完了世代を保存する。
// KEYS: hash, done, pending / ARGV: generation, hash
var completeScript = redis.NewScript(`
local done = tonumber(redis.call('GET', KEYS[2]) or '0')
local gen = tonumber(ARGV[1])
redis.call('DEL', KEYS[3])
if gen < done then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

func (s *RedisFaviconState) MarkStale(ctx context.Context, userID string) error {
	if err := s.client.Incr(ctx, staleKey(userID)).Err(); err != nil {
		return fmt.Errorf("favicon状態の更新に失敗しました: %w", err)
	}
	return nil
}

func (s *RedisFaviconState) IsStale(ctx context.Context, userID string) (int64, bool, error) {
	values, err := s.client.MGet(ctx, staleKey(userID), doneKey(userID)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("favicon状態の取得に失敗しました: %w", err)
	}
	generation, err := parseGeneration(values[0])
	if err != nil {
		return 0, false, err
	}
	done, err := parseGeneration(values[1])
	if err != nil {
		return 0, false, err
	}
	return generation, generation > done, nil
}

// parseGeneration はMGETの値を世代番号に変換する。キーが無い場合は0。
func parseGeneration(v interface{}) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("favicon状態の世代番号が不正です: %q", str)
	}
	return n, nil
}

func (s *RedisFaviconState) BeginRefresh(ctx context.Context, userID string, generation int64, ranges int) (bool, error) {
	started, err := s.client.SetNX(ctx, pendingKey(userID, generation), ranges, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("faviconリフレッシュの開始に失敗しました: %w", err)
	}
	return started, nil
}

// FinishRange は残り件数をDECRで減らす。複数のワーカーから同時に呼ばれても件数は正しく減る。
func (s *RedisFaviconState) FinishRange(ctx context.Context, userID string, generation int64) (int64, error) {
	remaining, err := s.client.Decr(ctx, pendingKey(userID, generation)).Result()
	if err != nil {
		return 0, fmt.Errorf("faviconリフレッシュの進捗更新に失敗しました: %w", err)
	}
	return remaining, nil
}

func (s *RedisFaviconState) Complete(ctx context.Context, userID string, generation int64, hash string) (bool, error) {
	keys := []string{hashKey(userID), doneKey(userID), pendingKey(userID, generation)}
	applied, err := completeScript.Run(ctx, s.client, keys, generation, hash).Int()
	if err != nil {
		return false, fmt.Errorf("faviconハッシュの保存に失敗しました: %w", err)
	}
	return applied == 1, nil
}

func (s *RedisFaviconState) Hash(ctx context.Context, userID string) (string, error) {
	hash, err := s.client.Get(ctx, hashKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("faviconハッシュの取得に失敗しました: %w", err)
	}
	return hash, nil
}
