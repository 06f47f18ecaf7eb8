package store

import "time"

// Document 文档登记表：标题全局唯一
type Document struct {
	ID        string    `gorm:"primaryKey;size:36"`
	OwnerID   string    `gorm:"size:64;not null;index"`
	Title     string    `gorm:"size:255;not null;uniqueIndex"`
	CreatedAt time.Time
}

func (Document) TableName() string { return "documents" }

// DocumentSnapshot 版本快照，Content 为文档数据的 JSON
type DocumentSnapshot struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"size:64;not null;index:idx_doc_snapshot"`
	VersionID   string `gorm:"size:36;not null;uniqueIndex"`
	Version     int    `gorm:"not null"`
	Content     string `gorm:"type:longtext;not null"`
	Size        int
	AuthorID    string `gorm:"size:64"`
	AuthorName  string `gorm:"size:128"`
	Description string `gorm:"size:512"`
	IsAutoSave  bool
	IsMilestone bool
	Tags        string `gorm:"type:text"` // 标签名 JSON 数组
	CreatedAt   time.Time
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }
