package ws

import (
	"encoding/json"
	"time"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

const (
	TypeHeartbeat        = "heartbeat"
	TypeCreateDocument   = "createDocument"
	TypeJoinDocument     = "joinDocument"
	TypeShowAliveMembers = "show_alive_members"
	TypeOpSubmit         = "op_submit"
	TypeUndo             = "undo"
	TypeRedo             = "redo"
	TypeSaveDocument     = "saveDocument"
	TypeLoadContent      = "loadDocumentContent"
	TypeCursor           = "cursor"

	TypeOpApplied   = "op_applied"
	TypeOpBroadcast = "op_broadcast"
	TypeOpRejected  = "op_rejected"
	TypeReset       = "document_reset"
	TypePresence    = "presence"
	TypeFeedback    = "feedback"
	TypeError       = "error"
	TypeIgnored     = "ignored"
	TypeWelcome     = "welcome"
)

type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId"`
	DocTitle string `json:"docTitle"`
	Range    any    `json:"range,omitempty"`
	// op_submit：操作本体；外层的 baseVersion/clientId/clientSeq 在操作里缺省时补上
	Operation   json.RawMessage `json:"operation,omitempty"`
	BaseVersion uint64          `json:"baseVersion"`
	ClientID    string          `json:"clientId"`
	ClientSeq   uint64          `json:"clientSeq"`
	// saveDocument
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// joinDocument：客户端已有的版本，用于追平
	FromVersion uint64 `json:"fromVersion,omitempty"`
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type      string            `json:"type"`
	UserID    string            `json:"userId,omitempty"`
	DocID     string            `json:"docId,omitempty"`
	Version   uint64            `json:"version,omitempty"`
	VersionID string            `json:"versionId,omitempty"`
	Members   []PresenceMember  `json:"members,omitempty"`
	Range     any               `json:"range,omitempty"`
	Content   string            `json:"content,omitempty"`
	State     *ot.DocumentState `json:"state,omitempty"`
}

// 回给提交者的确认
type OpAppliedMessage struct {
	Type        string              `json:"type"` // 固定 "op_applied"
	DocID       string              `json:"docId"`
	OperationID string              `json:"operationId"`
	BaseVersion uint64              `json:"baseVersion"` // 客户端提交时的 base
	Version     uint64              `json:"version"`     // 服务端应用后的最新版本
	ClientID    string              `json:"clientId,omitempty"`
	ClientSeq   uint64              `json:"clientSeq,omitempty"`
	Transformed bool                `json:"transformed"`
	Operation   operation.Operation `json:"operation"` // 变换后的操作，客户端据此对齐
}

// 广播给同文档房间内其他连接的“已应用操作”事件
// - 与 op_applied(ack) 区分：这里用于把变更推送给其他协作者（包括同用户的其他标签页）
type OpBroadcastMessage struct {
	Type      string              `json:"type"` // 固定 "op_broadcast"
	DocID     string              `json:"docId"`
	Version   uint64              `json:"version"`
	AuthorID  string              `json:"authorId"`
	ClientID  string              `json:"clientId,omitempty"`
	ClientSeq uint64              `json:"clientSeq,omitempty"`
	Operation operation.Operation `json:"operation"`
	AppliedAt time.Time           `json:"appliedAt,omitempty"`
}

type OpRejectedMessage struct {
	Type        string `json:"type"` // 固定 "op_rejected"
	DocID       string `json:"docId"`
	OperationID string `json:"operationId,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	ClientSeq   uint64 `json:"clientSeq,omitempty"`
	Reason      string `json:"reason"`
	Error       string `json:"error"`
}

// 恢复版本后整份文档被替换
type ResetMessage struct {
	Type  string           `json:"type"` // 固定 "document_reset"
	DocID string           `json:"docId"`
	State ot.DocumentState `json:"state"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m OpRejectedMessage) MessageType() string  { return m.Type }
func (m ResetMessage) MessageType() string       { return m.Type }
