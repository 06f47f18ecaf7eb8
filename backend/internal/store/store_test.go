package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func snapshot(id string, n int, data any) *version.DocumentVersion {
	return &version.DocumentVersion{
		ID:         id,
		DocumentID: "trip",
		Version:    n,
		Data:       data,
		Timestamp:  time.Date(2024, 6, 1, 0, n, 0, 0, time.UTC),
		AuthorID:   "user-a",
		AuthorName: "Ann",
		Tags:       []version.Tag{{ID: "t1", Label: "Draft"}},
		Size:       42,
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	s := NewSnapshotStore(openTestDB(t))
	ctx := context.Background()

	st, err := s.LoadLatestSnapshot(ctx, "trip")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, s.StoreSnapshot(ctx, "trip", snapshot("v1", 1, map[string]any{"title": "Kyoto"})))
	require.NoError(t, s.StoreSnapshot(ctx, "trip", snapshot("v2", 2, map[string]any{"title": "Osaka", "days": []any{1.0, 2.0}})))

	st, err = s.LoadLatestSnapshot(ctx, "trip")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, "user-a", st.LastModifiedBy)
	assert.Equal(t, map[string]any{"title": "Osaka", "days": []any{1.0, 2.0}}, st.Data)

	rows, err := s.Snapshots(ctx, "trip")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `["Draft"]`, rows[0].Tags)
	assert.Equal(t, "Ann", rows[0].AuthorName)
}

func TestSnapshotStoreIsIdempotent(t *testing.T) {
	s := NewSnapshotStore(openTestDB(t))
	ctx := context.Background()

	v := snapshot("v1", 1, map[string]any{"title": "Kyoto"})
	require.NoError(t, s.StoreSnapshot(ctx, "trip", v))
	require.NoError(t, s.StoreSnapshot(ctx, "trip", v))

	rows, err := s.Snapshots(ctx, "trip")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSnapshotStoreDelete(t *testing.T) {
	s := NewSnapshotStore(openTestDB(t))
	ctx := context.Background()

	for i, id := range []string{"v1", "v2", "v3"} {
		require.NoError(t, s.StoreSnapshot(ctx, "trip", snapshot(id, i+1, map[string]any{"n": float64(i)})))
	}
	require.NoError(t, s.StoreSnapshot(ctx, "other", snapshot("x1", 1, map[string]any{})))

	require.NoError(t, s.DeleteSnapshots(ctx, "trip", []string{"v1", "v2", "x1"}))
	require.NoError(t, s.DeleteSnapshots(ctx, "trip", nil))

	rows, err := s.Snapshots(ctx, "trip")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "v3", rows[0].VersionID)

	other, err := s.Snapshots(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, other, 1, "other documents untouched")
}

func TestSnapshotStoreBacksVersionManager(t *testing.T) {
	s := NewSnapshotStore(openTestDB(t))
	m := version.NewManager(version.Options{MaxVersions: 1}, version.WithStore(s))
	defer m.Close()
	ctx := context.Background()

	author := version.Author{ID: "user-a"}
	_, err := m.InitializeDocument(ctx, "trip", map[string]any{"title": "a"}, author)
	require.NoError(t, err)
	for _, title := range []string{"b", "c"} {
		_, err = m.CreateVersion(ctx, "trip", map[string]any{"title": title}, author, version.CreateOptions{IsAutoSave: true})
		require.NoError(t, err)
	}

	// 初始版本是里程碑，自动保存只保留最新一个
	rows, err := s.Snapshots(ctx, "trip")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Version)
	assert.Equal(t, 3, rows[1].Version)

	st, err := s.LoadLatestSnapshot(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "c"}, st.Data)

	// 创建之后再打的标签也要落库
	_, err = m.TagVersion(ctx, "trip", rows[0].VersionID, version.Tag{Label: "approved"})
	require.NoError(t, err)
	rows, err = s.Snapshots(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, `["approved"]`, rows[0].Tags)
	assert.Equal(t, `[]`, rows[1].Tags)
}

func TestDocumentStore(t *testing.T) {
	s := NewDocumentStore(openTestDB(t))
	ctx := context.Background()

	_, err := s.GetDocumentID(ctx, "Tokyo trip")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	id, err := s.CreateDocument(ctx, "user-a", "  Tokyo trip ")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := s.GetDocumentID(ctx, "Tokyo trip")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.CreateDocument(ctx, "user-b", "Tokyo trip")
	assert.ErrorIs(t, err, ErrDocumentExists)

	_, err = s.CreateDocument(ctx, "user-b", "   ")
	assert.ErrorIs(t, err, ErrEmptyTitle)
}
