package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

// SnapshotStore 版本快照落 MySQL，实现 version.SnapshotStore 与 version.SnapshotPruner
type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// StoreSnapshot 以 VersionID 幂等：重复写入同一版本直接返回 nil
func (s *SnapshotStore) StoreSnapshot(ctx context.Context, docID string, v *version.DocumentVersion) error {
	content, err := json.Marshal(v.Data)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", v.ID, err)
	}
	labels := make([]string, 0, len(v.Tags))
	for _, t := range v.Tags {
		labels = append(labels, t.Label)
	}
	tags, _ := json.Marshal(labels)

	row := &DocumentSnapshot{
		DocumentID:  docID,
		VersionID:   v.ID,
		Version:     v.Version,
		Content:     string(content),
		Size:        v.Size,
		AuthorID:    v.AuthorID,
		AuthorName:  v.AuthorName,
		Description: v.Description,
		IsAutoSave:  v.IsAutoSave,
		IsMilestone: v.IsMilestone,
		Tags:        string(tags),
		CreatedAt:   v.Timestamp,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("store snapshot %s of %s: %w", v.ID, docID, err)
	}
	return nil
}

// LoadLatestSnapshot 没有快照时返回 nil, nil。
// 版本号只在一次会话内有意义，重新加载的文档从版本 1 开始。
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, docID string) (*ot.DocumentState, error) {
	var row DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %s: %w", docID, err)
	}
	var data any
	if err := json.Unmarshal([]byte(row.Content), &data); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", row.VersionID, err)
	}
	return &ot.DocumentState{
		ID:             docID,
		Version:        1,
		Data:           data,
		LastModified:   row.CreatedAt,
		LastModifiedBy: row.AuthorID,
	}, nil
}

// UpdateSnapshotTags 覆盖某版本的标签列表；版本尚未落库时不报错
func (s *SnapshotStore) UpdateSnapshotTags(ctx context.Context, docID, versionID string, labels []string) error {
	tags, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode tags of %s: %w", versionID, err)
	}
	err = s.db.WithContext(ctx).
		Model(&DocumentSnapshot{}).
		Where("document_id = ? AND version_id = ?", docID, versionID).
		Update("tags", string(tags)).Error
	if err != nil {
		return fmt.Errorf("update tags of %s: %w", versionID, err)
	}
	return nil
}

// DeleteSnapshots 删除被保留策略淘汰的版本
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, docID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version_id IN ?", docID, ids).
		Delete(&DocumentSnapshot{}).Error
	if err != nil {
		return fmt.Errorf("delete snapshots of %s: %w", docID, err)
	}
	return nil
}

// Snapshots 按写入顺序列出某文档的快照
func (s *SnapshotStore) Snapshots(ctx context.Context, docID string) ([]DocumentSnapshot, error) {
	var rows []DocumentSnapshot
	if err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
