package version

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/metrics"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

// docHistory 一个文档的版本链，versions 按创建顺序排列，最后一个是 head
type docHistory struct {
	versions    []*DocumentVersion
	byID        map[string]*DocumentVersion
	pendingOps  []string
	nextVersion int
	meta        DocumentMetadata
	// 持久层删除失败的版本 id，下次清理时重试
	prunePending []string
	stopAutoSave chan struct{}
}

func (h *docHistory) head() *DocumentVersion { return h.versions[len(h.versions)-1] }

// Manager 负责每个文档的快照生命周期
type Manager struct {
	mu     sync.Mutex
	docs   map[string]*docHistory
	closed bool
	wg     sync.WaitGroup

	opts    Options
	store   SnapshotStore
	events  *Emitter
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Manager)

func WithStore(s SnapshotStore) Option       { return func(m *Manager) { m.store = s } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithLogger(l zerolog.Logger) Option     { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }
func WithEmitter(e *Emitter) Option          { return func(m *Manager) { m.events = e } }

func NewManager(opts Options, options ...Option) *Manager {
	m := &Manager{
		docs: make(map[string]*docHistory),
		opts: opts,
		log:  zerolog.Nop(),
		now:  time.Now,
	}
	for _, o := range options {
		o(m)
	}
	if m.events == nil {
		m.events = NewEmitter(m.log)
	}
	return m
}

func (m *Manager) Events() *Emitter { return m.events }

func (m *Manager) Subscribe(h Handler, types ...EventType) string {
	return m.events.Subscribe(h, types...)
}

func (m *Manager) Unsubscribe(id string) bool { return m.events.Unsubscribe(id) }

// InitializeDocument 创建版本 1（里程碑）并启动自动保存；已初始化时直接返回当前 head
func (m *Manager) InitializeDocument(ctx context.Context, docID string, initialData any, author Author) (*DocumentVersion, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("initialize %s: manager closed", docID)
	}
	if h, ok := m.docs[docID]; ok {
		v := h.head().clone()
		m.mu.Unlock()
		return v, nil
	}

	ts := m.now()
	data := operation.Clone(initialData)
	v := &DocumentVersion{
		ID:                          uuid.NewString(),
		DocumentID:                  docID,
		Version:                     1,
		Data:                        data,
		Timestamp:                   ts,
		AuthorID:                    author.ID,
		AuthorName:                  author.Name,
		Description:                 "Initial version",
		Tags:                        []Tag{},
		OperationsSinceLastSnapshot: []string{},
		Size:                        operation.Size(data),
		IsMilestone:                 true,
		ChangesSummary:              Summarize(nil),
	}
	h := &docHistory{
		versions:    []*DocumentVersion{v},
		byID:        map[string]*DocumentVersion{v.ID: v},
		nextVersion: 2,
		meta: DocumentMetadata{
			TotalVersions: 1,
			TotalSize:     v.Size,
			LastVersionID: v.ID,
			CreatedAt:     ts,
			AuthorCounts:  map[string]int{author.ID: 1},
		},
	}
	m.docs[docID] = h
	m.startAutoSave(docID, h)
	out := v.clone()
	stored := v.clone()
	m.mu.Unlock()

	m.metrics.VersionCreated("initial")
	m.persist(ctx, docID, stored)
	m.events.Emit(Event{
		Type:       EventVersionCreated,
		DocumentID: docID,
		Timestamp:  ts,
		Data: VersionCreatedData{
			VersionID: v.ID,
			Version:   v.Version,
			AuthorID:  author.ID,
			Changes:   []VersionChange{},
			Summary:   out.ChangesSummary,
		},
	})
	return out, nil
}

// RecordOperation 只记录 op id，下一个快照会带上这些 id
func (m *Manager) RecordOperation(docID, opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("record operation on %s: %w", docID, ErrNotInitialized)
	}
	h.pendingOps = append(h.pendingOps, opID)
	return nil
}

// PendingOperations 上次快照之后记录的操作数
func (m *Manager) PendingOperations(docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.docs[docID]
	if !ok {
		return 0, fmt.Errorf("pending operations of %s: %w", docID, ErrNotInitialized)
	}
	return len(h.pendingOps), nil
}

// CreateVersion 与 head 做 diff，深拷贝 data 作为新 head，然后执行保留策略
func (m *Manager) CreateVersion(ctx context.Context, docID string, data any, author Author, opts CreateOptions) (*CreateResult, error) {
	res, _, err := m.createVersion(ctx, docID, data, author, opts, "")
	return res, err
}

func (m *Manager) createVersion(ctx context.Context, docID string, data any, author Author, opts CreateOptions, kind string) (*CreateResult, *DocumentVersion, error) {
	m.mu.Lock()
	h, ok := m.docs[docID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("create version of %s: %w", docID, ErrNotInitialized)
	}

	ts := m.now()
	head := h.head()
	snapshot := operation.Clone(data)
	changes := Diff(head.Data, snapshot)
	summary := Summarize(changes)
	prev := head.ID

	v := &DocumentVersion{
		ID:                          uuid.NewString(),
		DocumentID:                  docID,
		Version:                     h.nextVersion,
		Data:                        snapshot,
		Timestamp:                   ts,
		AuthorID:                    author.ID,
		AuthorName:                  author.Name,
		Description:                 opts.Description,
		Tags:                        []Tag{},
		OperationsSinceLastSnapshot: h.pendingOps,
		PreviousVersionID:           &prev,
		Size:                        operation.Size(snapshot),
		IsAutoSave:                  opts.IsAutoSave,
		IsMilestone:                 !opts.IsAutoSave && summary.Significance == SignificanceMajor,
		ChangesSummary:              summary,
	}
	if v.OperationsSinceLastSnapshot == nil {
		v.OperationsSinceLastSnapshot = []string{}
	}
	for _, label := range opts.Tags {
		if label == "" || v.HasTag(label) {
			continue
		}
		v.Tags = append(v.Tags, Tag{ID: uuid.NewString(), Label: label, CreatedBy: author.ID, CreatedAt: ts})
	}

	h.versions = append(h.versions, v)
	h.byID[v.ID] = v
	h.nextVersion++
	h.pendingOps = nil
	h.meta.TotalVersions++
	h.meta.TotalSize += v.Size
	h.meta.LastVersionID = v.ID
	h.meta.AuthorCounts[author.ID]++

	pruned := m.retain(docID, h, ts)
	retry := h.prunePending
	h.prunePending = nil
	stored := v.clone()
	m.mu.Unlock()

	if kind == "" {
		kind = "manual"
		if opts.IsAutoSave {
			kind = "auto"
		}
	}
	m.metrics.VersionCreated(kind)
	m.persist(ctx, docID, stored)
	m.prune(ctx, docID, append(retry, pruned...))

	res := &CreateResult{
		VersionID: v.ID,
		Version:   v.Version,
		Changes:   changes,
		Summary:   cloneSummary(summary),
	}
	m.events.Emit(Event{
		Type:       EventVersionCreated,
		DocumentID: docID,
		Timestamp:  ts,
		Data: VersionCreatedData{
			VersionID: v.ID,
			Version:   v.Version,
			AuthorID:  author.ID,
			Changes:   changes,
			Summary:   summary,
		},
	})
	return res, stored, nil
}

// retain 执行保留策略，返回被删除的版本 id。调用方持有 m.mu。
// head 与里程碑永不删除；删除后重新连接 PreviousVersionID。
func (m *Manager) retain(docID string, h *docHistory, now time.Time) []string {
	head := h.head()
	drop := make(map[string]bool)

	if m.opts.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -m.opts.RetentionDays)
		for _, v := range h.versions {
			if v != head && !v.IsMilestone && v.Timestamp.Before(cutoff) {
				drop[v.ID] = true
			}
		}
	}

	if m.opts.MaxVersions > 0 {
		count := 0
		for _, v := range h.versions {
			if !v.IsMilestone && !drop[v.ID] {
				count++
			}
		}
		for _, v := range h.versions {
			if count <= m.opts.MaxVersions {
				break
			}
			if v == head || v.IsMilestone || drop[v.ID] {
				continue
			}
			drop[v.ID] = true
			count--
		}
	}

	if len(drop) == 0 {
		return nil
	}

	kept := h.versions[:0:0]
	var ids []string
	var prev *DocumentVersion
	for _, v := range h.versions {
		if drop[v.ID] {
			ids = append(ids, v.ID)
			delete(h.byID, v.ID)
			h.meta.TotalVersions--
			h.meta.TotalSize -= v.Size
			if h.meta.AuthorCounts[v.AuthorID]--; h.meta.AuthorCounts[v.AuthorID] <= 0 {
				delete(h.meta.AuthorCounts, v.AuthorID)
			}
			continue
		}
		if prev != nil && (v.PreviousVersionID == nil || *v.PreviousVersionID != prev.ID) {
			id := prev.ID
			v.PreviousVersionID = &id
		}
		kept = append(kept, v)
		prev = v
	}
	h.versions = kept

	m.metrics.VersionsPruned(len(ids))
	m.log.Debug().Str("doc_id", docID).Strs("pruned", ids).Msg("retention policy applied")
	return ids
}

// persist 存储失败只记录日志，不影响版本创建
func (m *Manager) persist(ctx context.Context, docID string, v *DocumentVersion) {
	if m.store == nil {
		return
	}
	if err := m.store.StoreSnapshot(ctx, docID, v); err != nil {
		m.log.Warn().Err(err).Str("doc_id", docID).Str("version_id", v.ID).Msg("store snapshot failed")
	}
}

func (m *Manager) prune(ctx context.Context, docID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	pruner, ok := m.store.(SnapshotPruner)
	if !ok {
		return
	}
	if err := pruner.DeleteSnapshots(ctx, docID, ids); err != nil {
		m.log.Warn().Err(err).Str("doc_id", docID).Strs("version_ids", ids).Msg("prune snapshots failed, will retry")
		m.mu.Lock()
		if h, ok := m.docs[docID]; ok {
			h.prunePending = append(h.prunePending, ids...)
		}
		m.mu.Unlock()
	}
}

// GetVersionHistory 新的在前，先过滤再分页；第二个返回值是过滤后的总数
func (m *Manager) GetVersionHistory(docID string, q HistoryQuery) ([]*DocumentVersion, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.docs[docID]
	if !ok {
		return nil, 0, fmt.Errorf("version history of %s: %w", docID, ErrNotInitialized)
	}

	matched := make([]*DocumentVersion, 0, len(h.versions))
	for i := len(h.versions) - 1; i >= 0; i-- {
		if q.match(h.versions[i]) {
			matched = append(matched, h.versions[i])
		}
	}
	total := len(matched)

	start := min(max(q.Offset, 0), total)
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	out := make([]*DocumentVersion, 0, end-start)
	for _, v := range matched[start:end] {
		out = append(out, v.clone())
	}
	return out, total, nil
}

func (m *Manager) GetVersion(docID, versionID string) (*DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.lookup(docID, versionID)
	if err != nil {
		return nil, err
	}
	return v.clone(), nil
}

// Head 当前最新版本
func (m *Manager) Head(docID string) (*DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.docs[docID]
	if !ok {
		return nil, fmt.Errorf("head of %s: %w", docID, ErrNotInitialized)
	}
	return h.head().clone(), nil
}

func (m *Manager) lookup(docID, versionID string) (*DocumentVersion, error) {
	h, ok := m.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", docID, ErrNotInitialized)
	}
	v, ok := h.byID[versionID]
	if !ok {
		return nil, fmt.Errorf("version %s of %s: %w", versionID, docID, ErrVersionNotFound)
	}
	return v, nil
}

// CompareVersions 两个任意版本之间的 diff，不要求相邻
func (m *Manager) CompareVersions(docID, fromID, toID string) (*VersionDiff, error) {
	m.mu.Lock()
	from, err := m.lookup(docID, fromID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	to, err := m.lookup(docID, toID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	changes := Diff(from.Data, to.Data)
	m.mu.Unlock()

	diff := &VersionDiff{
		FromVersionID: fromID,
		ToVersionID:   toID,
		Changes:       changes,
		Summary:       Summarize(changes),
	}
	m.events.Emit(Event{
		Type:       EventVersionCompared,
		DocumentID: docID,
		Data:       VersionComparedData{Diff: diff},
	})
	return diff, nil
}

// RestoreVersion 追加一个数据等于目标版本的新 head，历史不改写
func (m *Manager) RestoreVersion(ctx context.Context, docID, versionID string, author Author) (*CreateResult, *DocumentVersion, error) {
	m.mu.Lock()
	target, err := m.lookup(docID, versionID)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	data := operation.Clone(target.Data)
	n := target.Version
	m.mu.Unlock()

	res, v, err := m.createVersion(ctx, docID, data, author, CreateOptions{
		Description: fmt.Sprintf("Restored from version %d", n),
		Tags:        []string{RestoredTag},
	}, "restore")
	if err != nil {
		return nil, nil, err
	}

	m.events.Emit(Event{
		Type:       EventVersionRestored,
		DocumentID: docID,
		Data: VersionRestoredData{
			RestoredFromID: versionID,
			NewVersionID:   res.VersionID,
			Version:        res.Version,
			AuthorID:       author.ID,
		},
	})
	return res, v, nil
}

// TagVersion 同一版本上 label 不能重复
func (m *Manager) TagVersion(ctx context.Context, docID, versionID string, tag Tag) (*Tag, error) {
	if tag.Label == "" {
		return nil, fmt.Errorf("tag version %s: %w", versionID, ErrEmptyTagLabel)
	}
	m.mu.Lock()
	v, err := m.lookup(docID, versionID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if v.HasTag(tag.Label) {
		m.mu.Unlock()
		return nil, fmt.Errorf("tag %q on version %s: %w", tag.Label, versionID, ErrTagExists)
	}
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = m.now()
	}
	v.Tags = append(v.Tags, tag)
	labels := make([]string, len(v.Tags))
	for i, t := range v.Tags {
		labels[i] = t.Label
	}
	m.mu.Unlock()

	if tagger, ok := m.store.(SnapshotTagger); ok {
		if err := tagger.UpdateSnapshotTags(ctx, docID, versionID, labels); err != nil {
			m.log.Warn().Err(err).Str("doc_id", docID).Str("version_id", versionID).Msg("store tags failed")
		}
	}

	m.events.Emit(Event{
		Type:       EventVersionTagged,
		DocumentID: docID,
		Data:       VersionTaggedData{VersionID: versionID, Tag: tag},
	})
	return &tag, nil
}

func (m *Manager) Metadata(docID string) (DocumentMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.docs[docID]
	if !ok {
		return DocumentMetadata{}, fmt.Errorf("metadata of %s: %w", docID, ErrNotInitialized)
	}
	meta := h.meta
	meta.AuthorCounts = make(map[string]int, len(h.meta.AuthorCounts))
	for k, v := range h.meta.AuthorCounts {
		meta.AuthorCounts[k] = v
	}
	return meta, nil
}

// Documents 已初始化的文档 id，按字典序
func (m *Manager) Documents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispose 停止自动保存并释放内存中的版本链，可重复调用
func (m *Manager) Dispose(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposeLocked(docID)
}

func (m *Manager) disposeLocked(docID string) {
	h, ok := m.docs[docID]
	if !ok {
		return
	}
	if h.stopAutoSave != nil {
		close(h.stopAutoSave)
		h.stopAutoSave = nil
	}
	delete(m.docs, docID)
}

// Close 释放全部文档并等待自动保存 goroutine 退出
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id := range m.docs {
		m.disposeLocked(id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// startAutoSave 调用方持有 m.mu
func (m *Manager) startAutoSave(docID string, h *docHistory) {
	interval := m.opts.AutoSaveInterval
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	h.stopAutoSave = stop
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.events.Emit(Event{
					Type:       EventAutoSaveRequested,
					DocumentID: docID,
					Data:       AutoSaveRequestedData{Interval: interval},
				})
			}
		}
	}()
}
