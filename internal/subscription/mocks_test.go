package subscription

import (
	"context"
	"sync"

	"github.com/hitoshi/feedsub/internal/jobs"
	"github.com/hitoshi/feedsub/internal/model"
	"github.com/hitoshi/feedsub/internal/repository"
	"github.com/hitoshi/feedsub/internal/resolve"
)

// --- モック ---

type mockResolver struct {
	resolveFn func(ctx context.Context, rawURL, siteURL string) resolve.Outcome
}

func (m *mockResolver) Resolve(ctx context.Context, rawURL, siteURL string) resolve.Outcome {
	return m.resolveFn(ctx, rawURL, siteURL)
}

// mockSubscriber は (user_id, feed_id) の組で購読を一意に保持する。
type mockSubscriber struct {
	mu        sync.Mutex
	subs      map[string]*model.Subscription
	calls     []string
	failFeeds map[string]error
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{subs: map[string]*model.Subscription{}, failFeeds: map[string]error{}}
}

func (m *mockSubscriber) Subscribe(ctx context.Context, userID, feedID, title string) (*model.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, feedID)
	if err, ok := m.failFeeds[feedID]; ok {
		return nil, false, err
	}
	key := userID + "/" + feedID
	if existing, ok := m.subs[key]; ok {
		return existing, false, nil
	}
	sub := &model.Subscription{ID: "sub-" + feedID, UserID: userID, FeedID: feedID, Title: title}
	m.subs[key] = sub
	return sub, true, nil
}

func (m *mockSubscriber) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// mockState は block が設定されている場合、閉じられるまで MarkStale を返さない。
type mockState struct {
	mu    sync.Mutex
	stale int
	hash  string
	block chan struct{}
}

var (
	_ FaviconStaleMarker = (*mockState)(nil)
	_ FaviconHashReader  = (*mockState)(nil)
)

func (m *mockState) MarkStale(ctx context.Context, userID string) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
	return nil
}

func (m *mockState) Hash(ctx context.Context, userID string) (string, error) { return m.hash, nil }

// mockPublisher は block が設定されている場合、閉じられるまで Publish を返さない。
type mockPublisher struct {
	mu        sync.Mutex
	published []jobs.Job
	ctxErr    []error
	err       error
	block     chan struct{}
}

func (m *mockPublisher) Publish(ctx context.Context, job jobs.Job) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, job)
	m.ctxErr = append(m.ctxErr, ctx.Err())
	return m.err
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

type mockReporter struct {
	mu      sync.Mutex
	reports []string
}

func (m *mockReporter) Report(ctx context.Context, stage resolve.Stage, rawURL string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, string(stage)+":"+rawURL)
}

type mockSubRepo struct {
	owned         []string
	rows          []repository.SubscriptionWithFeedInfo
	deleteFn      func(ctx context.Context, userID, id string) (bool, error)
	deletedIDs    []string
	updated       map[string]model.SubscriptionFields
	deletedAllFor string
}

func (m *mockSubRepo) Subscribe(ctx context.Context, userID, feedID, title string) (*model.Subscription, bool, error) {
	return nil, false, nil
}
func (m *mockSubRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	return nil, nil
}
func (m *mockSubRepo) ListByUserIDWithFeedInfo(ctx context.Context, userID string) ([]repository.SubscriptionWithFeedInfo, error) {
	return m.rows, nil
}
func (m *mockSubRepo) ListIDsByUserID(ctx context.Context, userID string) ([]string, error) {
	return m.owned, nil
}
func (m *mockSubRepo) Delete(ctx context.Context, userID, id string) (bool, error) {
	return m.deleteFn(ctx, userID, id)
}
func (m *mockSubRepo) DeleteByIDs(ctx context.Context, userID string, ids []string) (int64, error) {
	m.deletedIDs = append(m.deletedIDs, ids...)
	return int64(len(ids)), nil
}
func (m *mockSubRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	m.deletedAllFor = userID
	return int64(len(m.owned)), nil
}
func (m *mockSubRepo) UpdateFields(ctx context.Context, userID, id string, fields model.SubscriptionFields) (bool, error) {
	if m.updated == nil {
		m.updated = map[string]model.SubscriptionFields{}
	}
	m.updated[id] = fields
	return true, nil
}

// mockTx はfnをそのまま実行するTransactor。
type mockTx struct {
	calls int
}

func (m *mockTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(raw string) string { return "clean:" + raw }
