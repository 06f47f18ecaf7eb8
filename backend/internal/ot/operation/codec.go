package operation

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownType = errors.New("UNKNOWN_OPERATION_TYPE")

// 线上格式：头部字段 + "type" 判别字段 + "data" 载荷
//
//	{"id":"...","userId":"u1","timestamp":1700000000000,"path":["days",0,"title"],
//	 "baseVersion":3,"type":"text-insert","data":{"position":5,"text":"World"}}
type wireOperation struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Timestamp   int64           `json:"timestamp"`
	Path        Path            `json:"path"`
	BaseVersion uint64          `json:"baseVersion"`
	ClientID    string          `json:"clientId,omitempty"`
	ClientSeq   uint64          `json:"clientSeq,omitempty"`
	Type        Type            `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Payload == nil {
		return nil, fmt.Errorf("operation %s: %w: missing payload", o.ID, ErrUnknownType)
	}
	data, err := json.Marshal(o.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireOperation{
		ID:          o.ID,
		UserID:      o.UserID,
		Timestamp:   o.Timestamp,
		Path:        o.Path,
		BaseVersion: o.BaseVersion,
		ClientID:    o.ClientID,
		ClientSeq:   o.ClientSeq,
		Type:        o.Payload.Type(),
		Data:        data,
	})
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var w wireOperation
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return fmt.Errorf("operation %s: %w", w.ID, err)
	}
	*o = Operation{
		ID:          w.ID,
		UserID:      w.UserID,
		Timestamp:   w.Timestamp,
		Path:        w.Path,
		BaseVersion: w.BaseVersion,
		ClientID:    w.ClientID,
		ClientSeq:   w.ClientSeq,
		Payload:     p,
	}
	return nil
}

type wireNoop struct {
	Reason     string          `json:"reason,omitempty"`
	OriginType Type            `json:"originType,omitempty"`
	Origin     json.RawMessage `json:"origin,omitempty"`
}

func (n Noop) MarshalJSON() ([]byte, error) {
	w := wireNoop{Reason: n.Reason}
	if n.Origin != nil {
		data, err := json.Marshal(n.Origin)
		if err != nil {
			return nil, err
		}
		w.OriginType = n.Origin.Type()
		w.Origin = data
	}
	return json.Marshal(w)
}

func (n *Noop) UnmarshalJSON(b []byte) error {
	var w wireNoop
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	n.Reason = w.Reason
	n.Origin = nil
	if w.OriginType != "" {
		p, err := decodePayload(w.OriginType, w.Origin)
		if err != nil {
			return err
		}
		n.Origin = p
	}
	return nil
}

func decodePayload(t Type, data json.RawMessage) (Payload, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	switch t {
	case TypeTextInsert:
		return decodeAs[TextInsert](data)
	case TypeTextDelete:
		return decodeAs[TextDelete](data)
	case TypeTextReplace:
		return decodeAs[TextReplace](data)
	case TypeObjectSet:
		return decodeAs[ObjectSet](data)
	case TypeObjectDelete:
		return decodeAs[ObjectDelete](data)
	case TypeArrayInsert:
		return decodeAs[ArrayInsert](data)
	case TypeArrayDelete:
		return decodeAs[ArrayDelete](data)
	case TypeArrayMove:
		return decodeAs[ArrayMove](data)
	case TypeArrayReplace:
		return decodeAs[ArrayReplace](data)
	case TypeComposite:
		return decodeAs[Composite](data)
	case TypeNoop:
		return decodeAs[Noop](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
