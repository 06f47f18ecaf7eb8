package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/collab"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 64
	presenceTTL    = 600 * time.Second
	submitTimeout  = 200 * time.Millisecond
)

// Service 连接层用到的协作引擎能力，*collab.Manager 实现
type Service interface {
	Open(ctx context.Context, docID string, initialData any, author version.Author) (ot.DocumentState, error)
	Submit(ctx context.Context, docID string, op operation.Operation) (collab.AppliedOp, error)
	Undo(ctx context.Context, docID, userID string) (collab.AppliedOp, error)
	Redo(ctx context.Context, docID, userID string) (collab.AppliedOp, error)
	State(docID string) (ot.DocumentState, error)
	OpsSince(docID string, fromVersion uint64, limit int) ([]collab.AppliedOp, error)
	SaveVersion(ctx context.Context, docID string, author version.Author, opts version.CreateOptions) (*version.CreateResult, error)
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID, title string) (string, error)
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      Service
	log      zerolog.Logger
	userID   string
	username string

	mu       sync.RWMutex
	docID    string
	clientID string

	// 出站队列；只由 writeLoop 消费，从不关闭，连接结束靠 done 通知
	send      chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, svc Service, userID, username string, log zerolog.Logger) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		log:      log.With().Str("user_id", userID).Logger(),
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *Conn) DocID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docID
}

func (c *Conn) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *Conn) setClientID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
}

func (c *Conn) author() version.Author {
	return version.Author{ID: c.userID, Name: c.username}
}

// SendMessage_Enqueue 非阻塞入队，队列满或连接已关闭时丢弃
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("type", msg.MessageType()).Msg("send queue full, drop message")
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) sendError(code string) {
	c.SendMessage_Enqueue(ServerMessage{Type: TypeError, DocID: c.DocID(), Content: code})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if docID := c.DocID(); docID != "" {
			leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			c.leaveRoom(leaveCtx, docID)
			cancel()
		}
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Str("doc_id", c.DocID()).Msg("read json error")
			}
			return
		}
		// 任何消息都算活跃
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case TypeHeartbeat:
		c.handleHeartbeat(ctx)
	case TypeCreateDocument:
		c.handleCreateDocument(ctx, msg)
	case TypeJoinDocument:
		c.handleJoinDocument(ctx, msg)
	case TypeShowAliveMembers:
		c.handleShowAliveMembers(ctx)
	case TypeOpSubmit:
		c.handleOpSubmit(ctx, msg)
	case TypeUndo, TypeRedo:
		c.handleUndoRedo(ctx, msg)
	case TypeSaveDocument:
		c.handleSaveDocument(ctx, msg)
	case TypeLoadContent:
		c.handleLoadContent(msg)
	case TypeCursor:
		c.handleCursor(ctx, msg)
	default:
		// 忽略未知类型，回一条提示
		c.SendMessage_Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
	}
}

func (c *Conn) targetDoc(msg ClientMessage) string {
	if msg.DocID != "" {
		return msg.DocID
	}
	return c.DocID()
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if docID := c.DocID(); docID != "" {
		if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, presenceTTL); err != nil {
			c.log.Warn().Err(err).Str("doc_id", docID).Msg("refresh presence failed")
		}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})
}

func (c *Conn) handleCreateDocument(ctx context.Context, msg ClientMessage) {
	docID, err := c.svc.CreateDocument(ctx, c.userID, msg.DocTitle)
	if err != nil {
		c.log.Warn().Err(err).Str("title", msg.DocTitle).Msg("create document failed")
		c.sendError("CREATE_DOC_FAILED")
		return
	}
	st, err := c.svc.Open(ctx, docID, map[string]any{"title": msg.DocTitle}, c.author())
	if err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("open document failed")
		c.sendError("OPEN_DOC_FAILED")
		return
	}
	c.enterRoom(ctx, docID)
	c.SendMessage_Enqueue(ServerMessage{Type: TypeCreateDocument, DocID: docID, Version: st.Version, State: &st})
}

func (c *Conn) handleJoinDocument(ctx context.Context, msg ClientMessage) {
	docID := msg.DocID
	if docID == "" && msg.DocTitle != "" {
		id, err := c.svc.GetDocumentID(ctx, msg.DocTitle)
		if err != nil {
			c.log.Debug().Err(err).Str("title", msg.DocTitle).Msg("get document id failed")
			c.sendError("GET_DOCID_FAILED")
			return
		}
		docID = id
	}
	if docID == "" {
		c.sendError("MISSING_DOC_ID")
		return
	}
	st, err := c.svc.Open(ctx, docID, nil, c.author())
	if err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("open document failed")
		c.sendError("OPEN_DOC_FAILED")
		return
	}
	c.enterRoom(ctx, docID)

	// 客户端带着旧版本重连：能追平就只补操作，否则下发完整状态
	if msg.FromVersion > 0 && msg.FromVersion <= st.Version {
		if ops, err := c.svc.OpsSince(docID, msg.FromVersion, 0); err == nil {
			c.SendMessage_Enqueue(ServerMessage{Type: TypeJoinDocument, DocID: docID, Version: st.Version})
			for _, a := range ops {
				c.SendMessage_Enqueue(broadcastOf(docID, a))
			}
			return
		}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeJoinDocument, DocID: docID, Version: st.Version, State: &st})
}

// enterRoom 切换房间并登记在线状态
func (c *Conn) enterRoom(ctx context.Context, docID string) {
	c.mu.Lock()
	old := c.docID
	c.docID = docID
	c.mu.Unlock()
	if old != "" && old != docID {
		c.leaveRoom(ctx, old)
	}
	c.hub.Join(docID, c)
	if err := c.hub.presence.AddMember(ctx, docID, c.userID, c.username, presenceTTL); err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("add member failed")
		return
	}
	if members, err := c.aliveMembers(ctx, docID); err == nil {
		c.hub.BroadcastPresence(docID, members)
	}
}

// leaveRoom 离开房间并通知剩下的成员
func (c *Conn) leaveRoom(ctx context.Context, docID string) {
	c.hub.Leave(docID, c)
	if err := c.hub.presence.RemoveMember(ctx, docID, c.userID); err != nil {
		c.log.Debug().Err(err).Str("doc_id", docID).Msg("remove member failed")
		return
	}
	if members, err := c.aliveMembers(ctx, docID); err == nil {
		c.hub.BroadcastPresence(docID, members)
	}
}

func (c *Conn) aliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	members, err := c.hub.presence.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		return nil, err
	}
	out := make([]PresenceMember, len(members))
	for i, m := range members {
		out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	return out, nil
}

func (c *Conn) handleShowAliveMembers(ctx context.Context) {
	docID := c.DocID()
	members, err := c.aliveMembers(ctx, docID)
	if err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("get alive members failed")
		c.sendError("PRESENCE_UNAVAILABLE")
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeShowAliveMembers, DocID: docID, Members: members})
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	docID := c.targetDoc(msg)
	var op operation.Operation
	if err := json.Unmarshal(msg.Operation, &op); err != nil {
		c.SendMessage_Enqueue(OpRejectedMessage{
			Type: TypeOpRejected, DocID: docID, ClientID: msg.ClientID, ClientSeq: msg.ClientSeq,
			Reason: "invalid", Error: err.Error(),
		})
		return
	}
	// 作者以鉴权结果为准
	op.UserID = c.userID
	if op.ID == "" {
		op.ID = operation.NewID()
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	if op.BaseVersion == 0 {
		op.BaseVersion = msg.BaseVersion
	}
	if op.ClientID == "" {
		op.ClientID = msg.ClientID
	}
	if op.ClientSeq == 0 {
		op.ClientSeq = msg.ClientSeq
	}
	if op.ClientID != "" {
		c.setClientID(op.ClientID)
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	applied, err := c.svc.Submit(submitCtx, docID, op)
	if err != nil {
		c.SendMessage_Enqueue(OpRejectedMessage{
			Type:        TypeOpRejected,
			DocID:       docID,
			OperationID: op.ID,
			ClientID:    op.ClientID,
			ClientSeq:   op.ClientSeq,
			Reason:      collab.Reason(err),
			Error:       err.Error(),
		})
		return
	}
	c.SendMessage_Enqueue(OpAppliedMessage{
		Type:        TypeOpApplied,
		DocID:       docID,
		OperationID: op.ID,
		BaseVersion: op.BaseVersion,
		Version:     applied.Version,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		Transformed: applied.Transformed,
		Operation:   applied.Operation,
	})
}

func (c *Conn) handleUndoRedo(ctx context.Context, msg ClientMessage) {
	docID := c.targetDoc(msg)
	var (
		applied collab.AppliedOp
		err     error
	)
	if msg.Type == TypeUndo {
		applied, err = c.svc.Undo(ctx, docID, c.userID)
	} else {
		applied, err = c.svc.Redo(ctx, docID, c.userID)
	}
	if err != nil {
		code := err.Error()
		if !errors.Is(err, collab.ErrNothingToUndo) && !errors.Is(err, collab.ErrNothingToRedo) {
			code = collab.Reason(err)
			c.log.Warn().Err(err).Str("doc_id", docID).Str("type", msg.Type).Msg("undo/redo failed")
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeError, DocID: docID, Content: code})
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: msg.Type, DocID: docID, Version: applied.Version})
}

func (c *Conn) handleSaveDocument(ctx context.Context, msg ClientMessage) {
	docID := c.targetDoc(msg)
	res, err := c.svc.SaveVersion(ctx, docID, c.author(), version.CreateOptions{
		Description: msg.Description,
		Tags:        msg.Tags,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("save document failed")
		c.SendMessage_Enqueue(ServerMessage{Type: TypeSaveDocument, DocID: docID, Content: "Document " + docID + " save failed"})
		return
	}
	c.SendMessage_Enqueue(ServerMessage{
		Type:      TypeSaveDocument,
		DocID:     docID,
		VersionID: res.VersionID,
		Version:   uint64(res.Version),
		Content:   "Document " + docID + " saved",
	})
}

func (c *Conn) handleLoadContent(msg ClientMessage) {
	docID := c.targetDoc(msg)
	st, err := c.svc.State(docID)
	if err != nil {
		c.log.Debug().Err(err).Str("doc_id", docID).Msg("load document content failed")
		c.sendError("DOCUMENT_NOT_ACTIVE")
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeLoadContent, DocID: docID, Version: st.Version, State: &st})
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	docID := c.DocID()
	if docID == "" {
		return
	}
	if b, err := json.Marshal(msg.Range); err == nil {
		if err := c.hub.presence.SetCursor(ctx, docID, c.userID, b, presenceTTL); err != nil {
			c.log.Debug().Err(err).Str("doc_id", docID).Msg("set cursor failed")
		}
	}
	c.hub.BroadcastCursor(docID, c, msg.Range)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func broadcastOf(docID string, a collab.AppliedOp) OpBroadcastMessage {
	return OpBroadcastMessage{
		Type:      TypeOpBroadcast,
		DocID:     docID,
		Version:   a.Version,
		AuthorID:  a.Operation.UserID,
		ClientID:  a.Operation.ClientID,
		ClientSeq: a.Operation.ClientSeq,
		Operation: a.Operation,
		AppliedAt: a.AppliedAt,
	}
}
