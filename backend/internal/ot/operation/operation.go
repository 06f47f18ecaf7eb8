package operation

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeTextInsert   Type = "text-insert"
	TypeTextDelete   Type = "text-delete"
	TypeTextReplace  Type = "text-replace"
	TypeObjectSet    Type = "object-set"
	TypeObjectDelete Type = "object-delete"
	TypeArrayInsert  Type = "array-insert"
	TypeArrayDelete  Type = "array-delete"
	TypeArrayMove    Type = "array-move"
	TypeArrayReplace Type = "array-replace"
	TypeComposite    Type = "composite"
	TypeNoop         Type = "noop"
)

// Payload 是封闭的变体集合，只有本包内的类型可以实现
type Payload interface {
	Type() Type
	isPayload()
}

// 文本操作：Path 指向字符串字段本身，位置/长度按 rune 计
type TextInsert struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

type TextDelete struct {
	Position       int    `json:"position"`
	Length         int    `json:"length"`
	DeletedContent string `json:"deletedContent,omitempty"` // apply 时记录
}

type TextReplace struct {
	Position        int    `json:"position"`
	Length          int    `json:"length"`
	Text            string `json:"text"`
	ReplacedContent string `json:"replacedContent,omitempty"` // apply 时记录
}

// 对象操作：Path 指向对象，Key 为字段名
type ObjectSet struct {
	Key         string `json:"key"`
	Value       any    `json:"value"`
	OldValue    any    `json:"oldValue,omitempty"`
	HadOldValue bool   `json:"hadOldValue,omitempty"`
}

type ObjectDelete struct {
	Key      string `json:"key"`
	OldValue any    `json:"oldValue,omitempty"`
}

// 数组操作：Path 指向数组
type ArrayInsert struct {
	Index int   `json:"index"`
	Items []any `json:"items"`
}

type ArrayDelete struct {
	Index        int   `json:"index"`
	Count        int   `json:"count"`
	DeletedItems []any `json:"deletedItems,omitempty"`
}

// ArrayMove 先取出 From 处元素，再插入到（取出后的数组的）To 处
type ArrayMove struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type ArrayReplace struct {
	Index    int `json:"index"`
	Value    any `json:"value"`
	OldValue any `json:"oldValue,omitempty"`
}

// Composite 的子操作原子执行；子操作的 ID/UserID/Timestamp 继承自外层
type Composite struct {
	Ops []Operation `json:"ops"`
}

// Noop 是变换后被吞掉的操作。Origin 保留原始载荷（如 LWW 失败方的 OldValue）
type Noop struct {
	Reason string  `json:"reason,omitempty"`
	Origin Payload `json:"-"`
}

func (TextInsert) Type() Type   { return TypeTextInsert }
func (TextDelete) Type() Type   { return TypeTextDelete }
func (TextReplace) Type() Type  { return TypeTextReplace }
func (ObjectSet) Type() Type    { return TypeObjectSet }
func (ObjectDelete) Type() Type { return TypeObjectDelete }
func (ArrayInsert) Type() Type  { return TypeArrayInsert }
func (ArrayDelete) Type() Type  { return TypeArrayDelete }
func (ArrayMove) Type() Type    { return TypeArrayMove }
func (ArrayReplace) Type() Type { return TypeArrayReplace }
func (Composite) Type() Type    { return TypeComposite }
func (Noop) Type() Type         { return TypeNoop }

func (TextInsert) isPayload()   {}
func (TextDelete) isPayload()   {}
func (TextReplace) isPayload()  {}
func (ObjectSet) isPayload()    {}
func (ObjectDelete) isPayload() {}
func (ArrayInsert) isPayload()  {}
func (ArrayDelete) isPayload()  {}
func (ArrayMove) isPayload()    {}
func (ArrayReplace) isPayload() {}
func (Composite) isPayload()    {}
func (Noop) isPayload()         {}

// Operation 是一次原子、可逆、按路径寻址的编辑
type Operation struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // unix 毫秒或逻辑时钟
	Path      Path   `json:"path"`
	// 客户端生成该操作时看到的 DocumentState.Version
	BaseVersion uint64 `json:"baseVersion"`
	// 客户端实例标识 + 本地递增序号，用于去重
	ClientID  string `json:"clientId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`

	Payload Payload `json:"-"`
}

func NewID() string { return uuid.NewString() }

// New 生成带新 ID 与当前时间戳的操作
func New(userID string, path Path, p Payload) Operation {
	return Operation{
		ID:        NewID(),
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
		Path:      path,
		Payload:   p,
	}
}

// NewComposite 子操作只需要 Path 与 Payload
func NewComposite(userID string, subs ...Operation) Operation {
	return New(userID, nil, Composite{Ops: subs})
}

func (o Operation) Type() Type {
	if o.Payload == nil {
		return ""
	}
	return o.Payload.Type()
}

func (o Operation) IsNoop() bool { return o.Type() == TypeNoop }

// WithPayload 保留头部字段，替换载荷
func (o Operation) WithPayload(p Payload) Operation {
	o.Payload = p
	return o
}

// WithPath 保留头部字段，替换路径
func (o Operation) WithPath(p Path) Operation {
	o.Path = p
	return o
}

// AsNoop 把操作收敛为 Noop，保留原载荷
func (o Operation) AsNoop(reason string) Operation {
	if o.IsNoop() {
		return o
	}
	return o.WithPayload(Noop{Reason: reason, Origin: o.Payload})
}

// Children 返回 Composite 的子操作，并让它们继承外层的头部字段
func (o Operation) Children() []Operation {
	c, ok := o.Payload.(Composite)
	if !ok {
		return nil
	}
	out := make([]Operation, len(c.Ops))
	for i, sub := range c.Ops {
		sub.ID = o.ID
		sub.UserID = o.UserID
		sub.Timestamp = o.Timestamp
		sub.BaseVersion = o.BaseVersion
		sub.ClientID = o.ClientID
		sub.ClientSeq = o.ClientSeq
		out[i] = sub
	}
	return out
}

// Precedes 定义全局唯一的先后顺序：(Timestamp, UserID, ID) 升序。
// 同位置插入时先者占较小下标；同 key 写入时后者胜出。
func Precedes(a, b Operation) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.ID < b.ID
}
