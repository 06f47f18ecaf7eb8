package version

import (
	"context"
	"errors"
	"time"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

var (
	ErrNotInitialized  = errors.New("DOCUMENT_NOT_INITIALIZED")
	ErrVersionNotFound = errors.New("VERSION_NOT_FOUND")
	ErrTagExists       = errors.New("TAG_ALREADY_EXISTS")
	ErrEmptyTagLabel   = errors.New("TAG_LABEL_REQUIRED")
)

// RestoredTag 恢复操作生成的新版本自动带上的标签
const RestoredTag = "Restored"

type Significance string

const (
	SignificanceMinor    Significance = "minor"
	SignificanceModerate Significance = "moderate"
	SignificanceMajor    Significance = "major"
)

// Classify：<5 minor，5..20 moderate，>20 major
func Classify(total int) Significance {
	switch {
	case total < 5:
		return SignificanceMinor
	case total <= 20:
		return SignificanceModerate
	default:
		return SignificanceMajor
	}
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeMoved    ChangeType = "moved"
)

type Tag struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Color     string    `json:"color,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChangesSummary struct {
	Added          int          `json:"added"`
	Modified       int          `json:"modified"`
	Deleted        int          `json:"deleted"`
	AddedFields    []string     `json:"addedFields"`
	ModifiedFields []string     `json:"modifiedFields"`
	DeletedFields  []string     `json:"deletedFields"`
	TotalChanges   int          `json:"totalChanges"`
	Significance   Significance `json:"significance"`
}

type VersionChange struct {
	Type      ChangeType     `json:"type"`
	Path      operation.Path `json:"path"`
	PathLabel string         `json:"pathLabel"`
	OldValue  any            `json:"oldValue,omitempty"`
	NewValue  any            `json:"newValue,omitempty"`
}

type VersionDiff struct {
	FromVersionID string          `json:"fromVersionId"`
	ToVersionID   string          `json:"toVersionId"`
	Changes       []VersionChange `json:"changes"`
	Summary       ChangesSummary  `json:"summary"`
}

// DocumentVersion 一份不可变快照；创建后只有 Tags 会增长
type DocumentVersion struct {
	ID                          string         `json:"id"`
	DocumentID                  string         `json:"documentId"`
	Version                     int            `json:"version"`
	Data                        any            `json:"data"`
	Timestamp                   time.Time      `json:"timestamp"`
	AuthorID                    string         `json:"authorId"`
	AuthorName                  string         `json:"authorName"`
	Description                 string         `json:"description,omitempty"`
	Tags                        []Tag          `json:"tags"`
	OperationsSinceLastSnapshot []string       `json:"operationsSinceLastSnapshot"`
	PreviousVersionID           *string        `json:"previousVersionId"`
	Size                        int            `json:"size"`
	IsAutoSave                  bool           `json:"isAutoSave"`
	IsMilestone                 bool           `json:"isMilestone"`
	ChangesSummary              ChangesSummary `json:"changesSummary"`
}

// HasTag 按 label 判断
func (v *DocumentVersion) HasTag(label string) bool {
	for _, t := range v.Tags {
		if t.Label == label {
			return true
		}
	}
	return false
}

func (v *DocumentVersion) clone() *DocumentVersion {
	c := *v
	c.Data = operation.Clone(v.Data)
	c.Tags = append([]Tag(nil), v.Tags...)
	c.OperationsSinceLastSnapshot = append([]string(nil), v.OperationsSinceLastSnapshot...)
	if v.PreviousVersionID != nil {
		prev := *v.PreviousVersionID
		c.PreviousVersionID = &prev
	}
	c.ChangesSummary = cloneSummary(v.ChangesSummary)
	return &c
}

func cloneSummary(s ChangesSummary) ChangesSummary {
	s.AddedFields = append([]string(nil), s.AddedFields...)
	s.ModifiedFields = append([]string(nil), s.ModifiedFields...)
	s.DeletedFields = append([]string(nil), s.DeletedFields...)
	return s
}

type DocumentMetadata struct {
	TotalVersions int            `json:"totalVersions"`
	TotalSize     int            `json:"totalSize"`
	LastVersionID string         `json:"lastVersionId"`
	CreatedAt     time.Time      `json:"createdAt"`
	AuthorCounts  map[string]int `json:"authorCounts"`
}

type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Options 保留策略与自动保存
type Options struct {
	MaxVersions      int           // 非里程碑版本上限，0 表示不限
	RetentionDays    int           // 非里程碑版本保留天数，0 表示不限
	AutoSaveInterval time.Duration // 0 表示不启用自动保存
}

type CreateOptions struct {
	Description string
	IsAutoSave  bool
	Tags        []string
}

type CreateResult struct {
	VersionID string          `json:"versionId"`
	Version   int             `json:"version"`
	Changes   []VersionChange `json:"changes"`
	Summary   ChangesSummary  `json:"summary"`
}

// HistoryQuery 各条件同时生效；Tags 命中任意一个即可
type HistoryQuery struct {
	AuthorID string
	From     time.Time
	To       time.Time
	Tags     []string
	Offset   int
	Limit    int
}

func (q HistoryQuery) match(v *DocumentVersion) bool {
	if q.AuthorID != "" && v.AuthorID != q.AuthorID {
		return false
	}
	if !q.From.IsZero() && v.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && v.Timestamp.After(q.To) {
		return false
	}
	if len(q.Tags) == 0 {
		return true
	}
	for _, label := range q.Tags {
		if v.HasTag(label) {
			return true
		}
	}
	return false
}

// SnapshotStore 外部持久化
type SnapshotStore interface {
	LoadLatestSnapshot(ctx context.Context, docID string) (*ot.DocumentState, error)
	StoreSnapshot(ctx context.Context, docID string, v *DocumentVersion) error
}

// SnapshotPruner 可选；保留策略删掉的版本同步删除
type SnapshotPruner interface {
	DeleteSnapshots(ctx context.Context, docID string, versionIDs []string) error
}

// SnapshotTagger 可选；版本打标签后回写持久层的标签列表
type SnapshotTagger interface {
	UpdateSnapshotTags(ctx context.Context, docID, versionID string, labels []string) error
}
