package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/metrics"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

// Broadcaster 出站传输：把已应用的操作推给同文档的其他连接
type Broadcaster interface {
	Broadcast(docID string, op operation.Operation, excludeOriginator string)
}

// Resetter 可选；恢复版本后整份文档被替换，客户端需要重新加载
type Resetter interface {
	BroadcastReset(docID string, state ot.DocumentState)
}

// EventSink 异步事件流，KafkaDispatcher 实现
type EventSink interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

// DocumentRegistry 文档标题与 id 的登记表
type DocumentRegistry interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID, title string) (string, error)
}

// AppliedOp 一条已经进入服务端顺序的操作
type AppliedOp struct {
	Operation   operation.Operation `json:"operation"` // 变换后、补全了“之前”数据的操作
	Version     uint64              `json:"version"`   // 应用后的文档版本
	Transformed bool                `json:"transformed"`
	AppliedAt   time.Time           `json:"appliedAt"`
}

// UndoEntry 撤销栈元素
type UndoEntry struct {
	Operation operation.Operation
	Inverse   operation.Operation
	Timestamp time.Time
	// 操作应用后的文档版本；逆操作以此为基线，撤销时再变换到当前版本
	Version uint64
}

type origin int

const (
	originClient origin = iota
	originUndo
	originRedo
)

type docState struct {
	mu      sync.Mutex
	active  bool
	removed bool // 已从 m.docs 摘除，持有者需重新获取
	state   ot.DocumentState

	// 最近已应用操作的环形缓冲；floor 之前的版本不再可追溯
	opsRing []AppliedOp
	floor   uint64

	// 去重窗口：记录某 clientId 最近的最大 clientSeq
	lastSeqByClient map[string]uint64

	undo []UndoEntry
	redo []UndoEntry

	autoSaveSub string
}

type Options struct {
	HistoryCap     int           // 环形缓冲容量，默认 1024
	UndoLimit      int           // 撤销栈深度，默认 100
	EnqueueTimeout time.Duration // 写事件流的最长等待，默认 50ms
}

// Manager 每个文档的唯一权威：串行化提交、变换、应用，并维护撤销/重做
type Manager struct {
	mu   sync.RWMutex
	docs map[string]*docState

	opts     Options
	versions *version.Manager

	store       version.SnapshotStore
	broadcaster Broadcaster
	sink        EventSink
	registry    DocumentRegistry
	sem         *SemaphoreControl
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time

	versionSub string
}

type Option func(*Manager)

func WithSnapshotStore(s version.SnapshotStore) Option { return func(m *Manager) { m.store = s } }
func WithBroadcaster(b Broadcaster) Option             { return func(m *Manager) { m.broadcaster = b } }
func WithEventSink(s EventSink) Option                 { return func(m *Manager) { m.sink = s } }
func WithRegistry(r DocumentRegistry) Option           { return func(m *Manager) { m.registry = r } }
func WithSemaphore(s *SemaphoreControl) Option         { return func(m *Manager) { m.sem = s } }
func WithMetrics(mt *metrics.Metrics) Option           { return func(m *Manager) { m.metrics = mt } }
func WithLogger(l zerolog.Logger) Option               { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option            { return func(m *Manager) { m.now = now } }

func NewManager(versions *version.Manager, opts Options, options ...Option) *Manager {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 1024
	}
	if opts.UndoLimit <= 0 {
		opts.UndoLimit = 100
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 50 * time.Millisecond
	}
	m := &Manager{
		docs:     make(map[string]*docState),
		opts:     opts,
		versions: versions,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range options {
		o(m)
	}
	if m.sink != nil {
		// 版本生命周期事件也进入事件流
		m.versionSub = versions.Subscribe(m.forwardVersionEvent,
			version.EventVersionCreated,
			version.EventVersionRestored,
			version.EventVersionTagged,
		)
	}
	return m
}

func (m *Manager) Versions() *version.Manager { return m.versions }

// SetBroadcaster 传输层通常晚于 Manager 构造
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.broadcaster = b
	m.mu.Unlock()
}

func (m *Manager) getBroadcaster() Broadcaster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.broadcaster
}

// 获取或创建指定文档的状态
func (m *Manager) getOrCreateDoc(docID string) *docState {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds != nil {
		return ds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds = m.docs[docID]; ds == nil {
		ds = &docState{
			lastSeqByClient: make(map[string]uint64),
			opsRing:         make([]AppliedOp, 0, m.opts.HistoryCap),
		}
		m.docs[docID] = ds
	}
	return ds
}

// lockDoc 返回已加锁且仍登记在 m.docs 中的文档状态
func (m *Manager) lockDoc(docID string) *docState {
	for {
		ds := m.getOrCreateDoc(docID)
		ds.mu.Lock()
		if !ds.removed {
			return ds
		}
		ds.mu.Unlock()
	}
}

// dropDoc 调用方需持有 ds.mu
func (m *Manager) dropDoc(docID string, ds *docState) {
	ds.removed = true
	m.mu.Lock()
	if m.docs[docID] == ds {
		delete(m.docs, docID)
	}
	m.mu.Unlock()
}

func (m *Manager) activeDoc(docID string) (*docState, error) {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds == nil {
		return nil, fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
	}
	return ds, nil
}

// Open：Uninitialized → Active。优先使用持久层里最新的快照，没有时使用 initialData。
// 已激活的文档直接返回当前状态。
func (m *Manager) Open(ctx context.Context, docID string, initialData any, author version.Author) (ot.DocumentState, error) {
	ds := m.lockDoc(docID)
	defer ds.mu.Unlock()
	if ds.active {
		return cloneState(ds.state), nil
	}

	data := initialData
	ver := uint64(1)
	if m.store != nil {
		st, err := m.store.LoadLatestSnapshot(ctx, docID)
		if err != nil {
			m.dropDoc(docID, ds)
			return ot.DocumentState{}, fmt.Errorf("load snapshot of %s: %w", docID, err)
		}
		if st != nil {
			data = st.Data
			ver = max(st.Version, 1)
		}
	}
	if data == nil {
		data = map[string]any{}
	}

	if _, err := m.versions.InitializeDocument(ctx, docID, data, author); err != nil {
		m.dropDoc(docID, ds)
		return ot.DocumentState{}, err
	}

	ds.state = ot.DocumentState{
		ID:             docID,
		Version:        ver,
		Data:           operation.Clone(data),
		LastModified:   m.now(),
		LastModifiedBy: author.ID,
	}
	ds.floor = ver
	ds.opsRing = ds.opsRing[:0]
	ds.undo, ds.redo = nil, nil
	ds.autoSaveSub = m.versions.Events().SubscribeDocument(docID, m.onAutoSave, version.EventAutoSaveRequested)
	ds.active = true
	m.metrics.DocumentOpened()
	m.log.Info().Str("doc_id", docID).Uint64("version", ver).Msg("document opened")
	return cloneState(ds.state), nil
}

// Submit 提交一条客户端操作
func (m *Manager) Submit(ctx context.Context, docID string, op operation.Operation) (AppliedOp, error) {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx); err != nil {
			m.metrics.OpRejected(Reason(err))
			return AppliedOp{}, reject(docID, op, err)
		}
		defer m.sem.Release()
	}
	if err := op.Validate(); err != nil {
		m.metrics.OpRejected(Reason(err))
		return AppliedOp{}, reject(docID, op, err)
	}

	ds, err := m.activeDoc(docID)
	if err != nil {
		m.metrics.OpRejected(Reason(err))
		return AppliedOp{}, reject(docID, op, err)
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		err := fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
		m.metrics.OpRejected(Reason(err))
		return AppliedOp{}, reject(docID, op, err)
	}
	applied, err := m.applyLocked(ctx, docID, ds, op, originClient)
	if err != nil {
		m.metrics.OpRejected(Reason(err))
		m.log.Debug().Err(err).Str("doc_id", docID).Str("op_id", op.ID).Msg("operation rejected")
		return AppliedOp{}, reject(docID, op, err)
	}
	return applied, nil
}

// DeliverToDocument 传输层入站入口
func (m *Manager) DeliverToDocument(ctx context.Context, docID string, op operation.Operation) (AppliedOp, error) {
	return m.Submit(ctx, docID, op)
}

// applyLocked：去重、版本校验、对 BaseVersion 之后的历史做变换、应用，再分发。调用方持有 ds.mu。
// BaseVersion 为 0 表示基于当前版本生成。
func (m *Manager) applyLocked(ctx context.Context, docID string, ds *docState, op operation.Operation, from origin) (AppliedOp, error) {
	start := m.now()
	cur := ds.state.Version

	if from == originClient && op.ClientID != "" {
		if last, ok := ds.lastSeqByClient[op.ClientID]; ok && op.ClientSeq <= last {
			return AppliedOp{}, fmt.Errorf("client %s seq %d (last %d): %w", op.ClientID, op.ClientSeq, last, ErrDuplicateOrOutOfOrder)
		}
	}
	base := op.BaseVersion
	if base == 0 {
		base = cur
	}
	if base > cur {
		return AppliedOp{}, fmt.Errorf("base version %d ahead of %d: %w", base, cur, ErrRevisionConflict)
	}
	if base < ds.floor {
		return AppliedOp{}, fmt.Errorf("base version %d older than retained history %d: %w", base, ds.floor, ErrHistoryTruncated)
	}

	concurrent := ds.since(base)
	transformed := op
	if len(concurrent) > 0 {
		history := make([]operation.Operation, len(concurrent))
		for i, a := range concurrent {
			history[i] = a.Operation
		}
		transformed = ot.TransformAgainst(op, history)
	}

	res := ot.Apply(ds.state, transformed)
	if !res.Success {
		return AppliedOp{}, res.Err
	}
	ds.state = res.State

	appliedOp := res.Applied
	appliedOp.BaseVersion = cur
	applied := AppliedOp{
		Operation:   appliedOp,
		Version:     res.State.Version,
		Transformed: len(concurrent) > 0,
		AppliedAt:   res.State.LastModified,
	}
	ds.push(applied, m.opts.HistoryCap)

	switch from {
	case originClient:
		if op.ClientID != "" {
			ds.lastSeqByClient[op.ClientID] = op.ClientSeq
		}
		ds.redo = nil
		m.pushUndo(ds, applied)
	case originRedo:
		m.pushUndo(ds, applied)
	}

	if err := m.versions.RecordOperation(docID, appliedOp.ID); err != nil {
		m.log.Warn().Err(err).Str("doc_id", docID).Msg("record operation failed")
	}
	if b := m.getBroadcaster(); b != nil {
		exclude := ""
		if from == originClient {
			exclude = op.ClientID
		}
		b.Broadcast(docID, appliedOp, exclude)
	}
	m.emit(ctx, opAppliedEvent(docID, applied))
	m.metrics.OpApplied(string(transformed.Type()), m.now().Sub(start), applied.Transformed)
	return applied, nil
}

func (ds *docState) since(base uint64) []AppliedOp {
	// opsRing 按版本递增
	i := sort.Search(len(ds.opsRing), func(i int) bool { return ds.opsRing[i].Version > base })
	return ds.opsRing[i:]
}

// 保存到环形缓冲（达到容量时丢弃最老的一条）
func (ds *docState) push(a AppliedOp, capacity int) {
	if len(ds.opsRing) == capacity {
		ds.floor = ds.opsRing[0].Version
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, a)
}

// 被变换成 Noop 的操作没有可撤销的效果，不入栈
func (m *Manager) pushUndo(ds *docState, a AppliedOp) {
	if a.Operation.IsNoop() {
		return
	}
	inv, err := operation.Invert(a.Operation)
	if err != nil {
		m.log.Warn().Err(err).Str("op_id", a.Operation.ID).Msg("operation not invertible, skip undo entry")
		return
	}
	ds.undo = append(ds.undo, UndoEntry{Operation: a.Operation, Inverse: inv, Timestamp: a.AppliedAt, Version: a.Version})
	if len(ds.undo) > m.opts.UndoLimit {
		ds.undo = ds.undo[len(ds.undo)-m.opts.UndoLimit:]
	}
}

// Undo 撤销栈是文档级的，不区分用户
func (m *Manager) Undo(ctx context.Context, docID, userID string) (AppliedOp, error) {
	ds, err := m.activeDoc(docID)
	if err != nil {
		return AppliedOp{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return AppliedOp{}, fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
	}
	if len(ds.undo) == 0 {
		return AppliedOp{}, ErrNothingToUndo
	}
	entry := ds.undo[len(ds.undo)-1]
	ds.undo = ds.undo[:len(ds.undo)-1]

	applied, err := m.applyLocked(ctx, docID, ds, m.replay(entry.Inverse, userID, entry.Version), originUndo)
	if err != nil {
		m.log.Warn().Err(err).Str("doc_id", docID).Str("op_id", entry.Operation.ID).Msg("undo failed, entry dropped")
		return AppliedOp{}, err
	}
	if !applied.Operation.IsNoop() {
		if redoOp, err := operation.Invert(applied.Operation); err == nil {
			ds.redo = append(ds.redo, UndoEntry{Operation: applied.Operation, Inverse: redoOp, Timestamp: applied.AppliedAt, Version: applied.Version})
		}
	}
	m.metrics.UndoRedo("undo")
	return applied, nil
}

func (m *Manager) Redo(ctx context.Context, docID, userID string) (AppliedOp, error) {
	ds, err := m.activeDoc(docID)
	if err != nil {
		return AppliedOp{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return AppliedOp{}, fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
	}
	if len(ds.redo) == 0 {
		return AppliedOp{}, ErrNothingToRedo
	}
	entry := ds.redo[len(ds.redo)-1]
	ds.redo = ds.redo[:len(ds.redo)-1]

	applied, err := m.applyLocked(ctx, docID, ds, m.replay(entry.Inverse, userID, entry.Version), originRedo)
	if err != nil {
		m.log.Warn().Err(err).Str("doc_id", docID).Msg("redo failed, entry dropped")
		return AppliedOp{}, err
	}
	m.metrics.UndoRedo("redo")
	return applied, nil
}

// replay 把栈里的逆操作包装成一条新的服务端操作
func (m *Manager) replay(op operation.Operation, userID string, base uint64) operation.Operation {
	op.ID = operation.NewID()
	op.UserID = userID
	op.Timestamp = m.now().UnixMilli()
	op.BaseVersion = base
	op.ClientID = ""
	op.ClientSeq = 0
	return op
}

// UndoDepth 返回撤销栈与重做栈的深度
func (m *Manager) UndoDepth(docID string) (undo, redo int, err error) {
	ds, err := m.activeDoc(docID)
	if err != nil {
		return 0, 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.undo), len(ds.redo), nil
}

func (m *Manager) State(docID string) (ot.DocumentState, error) {
	ds, err := m.activeDoc(docID)
	if err != nil {
		return ot.DocumentState{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return ot.DocumentState{}, fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
	}
	return cloneState(ds.state), nil
}

func (m *Manager) CurrentVersion(docID string) (uint64, error) {
	st, err := m.State(docID)
	if err != nil {
		return 0, err
	}
	return st.Version, nil
}

// OpsSince 返回 fromVersion 之后的已应用操作，用于握手/追平
func (m *Manager) OpsSince(docID string, fromVersion uint64, limit int) ([]AppliedOp, error) {
	ds, err := m.activeDoc(docID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return nil, fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
	}
	if fromVersion < ds.floor {
		return nil, fmt.Errorf("ops since %d (floor %d): %w", fromVersion, ds.floor, ErrHistoryTruncated)
	}
	ops := ds.since(fromVersion)
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return append([]AppliedOp(nil), ops...), nil
}

// SaveVersion 在文档锁内做快照，不会读到半个操作
func (m *Manager) SaveVersion(ctx context.Context, docID string, author version.Author, opts version.CreateOptions) (*version.CreateResult, error) {
	ds, err := m.activeDoc(docID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return nil, fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
	}
	return m.versions.CreateVersion(ctx, docID, ds.state.Data, author, opts)
}

// RestoreVersion 追加一个恢复版本，并把实时文档替换为该版本的数据。
// 替换不是普通操作：历史缓冲与撤销栈被清空，旧基线上的提交会收到 HISTORY_TRUNCATED。
func (m *Manager) RestoreVersion(ctx context.Context, docID, versionID string, author version.Author) (*version.CreateResult, ot.DocumentState, error) {
	ds, err := m.activeDoc(docID)
	if err != nil {
		return nil, ot.DocumentState{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return nil, ot.DocumentState{}, fmt.Errorf("document %s: %w", docID, ErrDocumentNotActive)
	}
	res, v, err := m.versions.RestoreVersion(ctx, docID, versionID, author)
	if err != nil {
		return nil, ot.DocumentState{}, err
	}

	ds.state = ot.DocumentState{
		ID:             docID,
		Version:        ds.state.Version + 1,
		Data:           operation.Clone(v.Data),
		LastModified:   m.now(),
		LastModifiedBy: author.ID,
	}
	ds.floor = ds.state.Version
	ds.opsRing = ds.opsRing[:0]
	ds.undo, ds.redo = nil, nil

	st := cloneState(ds.state)
	if r, ok := m.getBroadcaster().(Resetter); ok {
		r.BroadcastReset(docID, st)
	}
	m.log.Info().Str("doc_id", docID).Str("version_id", versionID).Uint64("version", st.Version).Msg("document restored")
	return res, st, nil
}

// onAutoSave 由版本管理器的定时器触发；没有新操作时跳过
func (m *Manager) onAutoSave(ev version.Event) {
	m.mu.RLock()
	ds := m.docs[ev.DocumentID]
	m.mu.RUnlock()
	if ds == nil {
		return
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		return
	}
	n, err := m.versions.PendingOperations(ev.DocumentID)
	if err != nil || n == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	author := version.Author{ID: ds.state.LastModifiedBy}
	if _, err := m.versions.CreateVersion(ctx, ev.DocumentID, ds.state.Data, author, version.CreateOptions{
		Description: "Auto-save",
		IsAutoSave:  true,
	}); err != nil {
		m.log.Warn().Err(err).Str("doc_id", ev.DocumentID).Msg("auto-save failed")
	}
}

func (m *Manager) forwardVersionEvent(ev version.Event) {
	m.emit(context.Background(), versionEvent(ev))
}

func (m *Manager) emit(ctx context.Context, evt DocOpEvent) {
	if m.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.EnqueueTimeout)
	defer cancel()
	if err := m.sink.Enqueue(ctx, evt); err != nil {
		m.log.Debug().Err(err).Str("doc_id", evt.DocID).Str("event", evt.EventType).Msg("event dropped")
	}
}

// Dispose 停止定时器、退订并释放内存状态，可重复调用
// 版本历史清理完成后才摘除登记，并发的 Open 会等到这之后重新初始化。
func (m *Manager) Dispose(docID string) {
	m.mu.RLock()
	ds := m.docs[docID]
	m.mu.RUnlock()
	if ds == nil {
		return
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.active {
		m.dropDoc(docID, ds)
		return
	}
	ds.active = false
	m.versions.Unsubscribe(ds.autoSaveSub)
	m.versions.Dispose(docID)
	m.dropDoc(docID, ds)
	ds.opsRing, ds.undo, ds.redo = nil, nil, nil
	m.metrics.DocumentDisposed()
	m.log.Info().Str("doc_id", docID).Msg("document disposed")
}

// Documents 当前激活的文档
func (m *Manager) Documents() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close 释放全部文档
func (m *Manager) Close() {
	for _, id := range m.Documents() {
		m.Dispose(id)
	}
	if m.versionSub != "" {
		m.versions.Unsubscribe(m.versionSub)
	}
}

func (m *Manager) GetDocumentID(ctx context.Context, title string) (string, error) {
	if m.registry == nil {
		return "", ErrRegistryUnavailable
	}
	return m.registry.GetDocumentID(ctx, title)
}

func (m *Manager) CreateDocument(ctx context.Context, ownerID, title string) (string, error) {
	if m.registry == nil {
		return "", ErrRegistryUnavailable
	}
	return m.registry.CreateDocument(ctx, ownerID, title)
}

func cloneState(s ot.DocumentState) ot.DocumentState {
	s.Data = operation.Clone(s.Data)
	return s
}

// IsRejection 判断错误是否是提交被拒
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
