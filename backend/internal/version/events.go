package version

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType 版本生命周期事件名，对外保持不变
type EventType string

const (
	EventVersionCreated    EventType = "version-created"
	EventVersionRestored   EventType = "version-restored"
	EventVersionTagged     EventType = "version-tagged"
	EventVersionCompared   EventType = "version-compared"
	EventAutoSaveRequested EventType = "auto-save-requested"
)

// Event 事件本体；Data 是下面几种 *Data 结构之一
type Event struct {
	Type       EventType `json:"type"`
	DocumentID string    `json:"documentId"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

type VersionCreatedData struct {
	VersionID string          `json:"versionId"`
	Version   int             `json:"version"`
	AuthorID  string          `json:"authorId"`
	Changes   []VersionChange `json:"changes"`
	Summary   ChangesSummary  `json:"summary"`
}

type VersionRestoredData struct {
	RestoredFromID string `json:"restoredFromId"`
	NewVersionID   string `json:"newVersionId"`
	Version        int    `json:"version"`
	AuthorID       string `json:"authorId"`
}

type VersionTaggedData struct {
	VersionID string `json:"versionId"`
	Tag       Tag    `json:"tag"`
}

type VersionComparedData struct {
	Diff *VersionDiff `json:"diff"`
}

type AutoSaveRequestedData struct {
	Interval time.Duration `json:"interval"`
}

// Handler 在 Emit 的调用方 goroutine 中同步执行
type Handler func(Event)

// Filter 返回 false 时跳过该订阅
type Filter func(Event) bool

type subscription struct {
	id      string
	handler Handler
	filter  Filter
	types   []EventType
}

func (s *subscription) matches(ev Event) bool {
	if len(s.types) > 0 {
		ok := false
		for _, t := range s.types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return s.filter == nil || s.filter(ev)
}

// Emitter 显式的订阅表，订阅/退订都通过返回的 id 完成
type Emitter struct {
	mu   sync.RWMutex
	subs map[string]*subscription
	log  zerolog.Logger
}

func NewEmitter(log zerolog.Logger) *Emitter {
	return &Emitter{subs: make(map[string]*subscription), log: log}
}

// Subscribe 不传 types 表示订阅全部事件
func (e *Emitter) Subscribe(h Handler, types ...EventType) string {
	return e.SubscribeWithFilter(h, nil, types...)
}

// SubscribeDocument 只接收某个文档的事件
func (e *Emitter) SubscribeDocument(docID string, h Handler, types ...EventType) string {
	return e.SubscribeWithFilter(h, func(ev Event) bool { return ev.DocumentID == docID }, types...)
}

func (e *Emitter) SubscribeWithFilter(h Handler, f Filter, types ...EventType) string {
	sub := &subscription{id: uuid.NewString(), handler: h, filter: f, types: types}
	e.mu.Lock()
	e.subs[sub.id] = sub
	e.mu.Unlock()
	return sub.id
}

func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[id]; ok {
		delete(e.subs, id)
		return true
	}
	return false
}

// Emit 先在读锁下拷贝订阅列表，再在锁外逐个回调；单个 handler panic 不影响其他订阅
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mu.RLock()
	subs := make([]*subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.RUnlock()

	for _, s := range subs {
		if !s.matches(ev) {
			continue
		}
		e.deliver(s, ev)
	}
}

func (e *Emitter) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("subscription", s.id).
				Str("event", string(ev.Type)).
				Msg("event handler panicked")
		}
	}()
	s.handler(ev)
}

// Len 当前订阅数
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
