package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrDocumentExists   = errors.New("DOCUMENT_TITLE_EXISTS")
	ErrEmptyTitle       = errors.New("DOCUMENT_TITLE_EMPTY")
)

// DocumentStore 文档登记表，实现 collab.DocumentRegistry
type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("title = ?", strings.TrimSpace(title)).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%q: %w", title, ErrDocumentNotFound)
	}
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	doc := &Document{ID: uuid.NewString(), OwnerID: ownerID, Title: title}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		if isDuplicateKey(err) {
			return "", fmt.Errorf("%q: %w", title, ErrDocumentExists)
		}
		return "", err
	}
	return doc.ID, nil
}
