package ws

import (
	"sort"
	"sync"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/cache"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

// Hub 房间管理与广播，实现 collab.Broadcaster / collab.Resetter
type Hub struct {
	// 在线状态与光标落在 redis，Hub 本身只管理本进程的连接
	presence cache.PresenceCache
	mu       sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页/设备（多连接），广播要逐连接发
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// 复制一份连接列表，避免持锁发送
func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// RoomSize 房间内连接数
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// Rooms 有连接的文档
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Broadcast 把已应用的操作推给房间内除发起连接外的所有连接
func (h *Hub) Broadcast(docID string, op operation.Operation, excludeOriginator string) {
	msg := OpBroadcastMessage{
		Type:      TypeOpBroadcast,
		DocID:     docID,
		Version:   op.BaseVersion + 1,
		AuthorID:  op.UserID,
		ClientID:  op.ClientID,
		ClientSeq: op.ClientSeq,
		Operation: op,
	}
	for _, c := range h.conns(docID) {
		if excludeOriginator != "" && c.ClientID() == excludeOriginator {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastReset(docID string, st ot.DocumentState) {
	msg := ResetMessage{Type: TypeReset, DocID: docID, State: st}
	for _, c := range h.conns(docID) {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(docID string, members []PresenceMember) {
	msg := ServerMessage{Type: TypePresence, DocID: docID, Members: members}
	for _, c := range h.conns(docID) {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastCursor(docID string, from *Conn, rng any) {
	msg := ServerMessage{Type: TypeCursor, DocID: docID, UserID: from.userID, Range: rng}
	for _, c := range h.conns(docID) {
		if c == from {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}
