package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/store"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type fakePosts struct {
	expired  []store.ExpiredPost
	listErr  error
	purged   []int64
	purgeErr error
}

func (f *fakePosts) ListExpiredPosts(_ context.Context, _ time.Time, _ int) ([]store.ExpiredPost, error) {
	return f.expired, f.listErr
}

func (f *fakePosts) PurgePosts(_ context.Context, ids []int64) (int64, error) {
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	f.purged = append(f.purged, ids...)
	return int64(len(ids)), nil
}

type fakeVectors struct {
	deleted map[string][]int64
	err     error
}

func (f *fakeVectors) DeletePost(_ context.Context, tenantID string, postID int64) error {
	if f.err != nil {
		return f.err
	}
	if f.deleted == nil {
		f.deleted = make(map[string][]int64)
	}
	f.deleted[tenantID] = append(f.deleted[tenantID], postID)
	return nil
}

func testGraphConfig() *config.GraphConfig {
	return &config.GraphConfig{PostExpiresDays: 30}
}

func TestRunOnce_PurgesExpiredPostsAndVectors(t *testing.T) {
	posts := &fakePosts{expired: []store.ExpiredPost{
		{ID: 11, TenantSlug: "acme"},
		{ID: 12, TenantSlug: "acme"},
		{ID: 13, TenantSlug: "globex"},
	}}
	vectors := &fakeVectors{}
	svc := NewService(testGraphConfig(), posts, vectors)

	before := counterValue(t, postsPurgedTotal)
	require.NoError(t, svc.RunOnce(context.Background()))

	assert.Equal(t, 3.0, counterValue(t, postsPurgedTotal)-before)
	assert.Equal(t, []int64{11, 12, 13}, posts.purged)
	assert.Equal(t, []int64{11, 12}, vectors.deleted["acme"])
	assert.Equal(t, []int64{13}, vectors.deleted["globex"])
}

func TestRunOnce_NothingExpiredIsQuiet(t *testing.T) {
	posts := &fakePosts{}
	svc := NewService(testGraphConfig(), posts, &fakeVectors{})

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Empty(t, posts.purged)
}

func TestRunOnce_VectorFailureStillPurgesRows(t *testing.T) {
	posts := &fakePosts{expired: []store.ExpiredPost{{ID: 7, TenantSlug: "acme"}}}
	vectors := &fakeVectors{err: errors.New("collection unavailable")}
	svc := NewService(testGraphConfig(), posts, vectors)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, []int64{7}, posts.purged)
}

func TestRunOnce_OrphanedPostPurgedWithoutVectorDelete(t *testing.T) {
	posts := &fakePosts{expired: []store.ExpiredPost{{ID: 9, TenantSlug: ""}}}
	vectors := &fakeVectors{}
	svc := NewService(testGraphConfig(), posts, vectors)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, []int64{9}, posts.purged)
	assert.Empty(t, vectors.deleted)
}

func TestRunOnce_NilVectorStore(t *testing.T) {
	posts := &fakePosts{expired: []store.ExpiredPost{{ID: 4, TenantSlug: "acme"}}}
	svc := NewService(testGraphConfig(), posts, nil)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, []int64{4}, posts.purged)
}

func TestRunOnce_ListErrorPropagates(t *testing.T) {
	posts := &fakePosts{listErr: errors.New("connection reset")}
	svc := NewService(testGraphConfig(), posts, &fakeVectors{})

	err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
