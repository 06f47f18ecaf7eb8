package operation

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrNotInvertible = errors.New("OPERATION_NOT_INVERTIBLE")

// Invert 根据 apply 时记录的“之前”数据生成逆操作。
// 对 apply(S, op) = S′ 有 apply(S′, Invert(op)) = S。
// 输入必须是 apply 返回的已应用操作，否则删除类操作缺少被删内容。
func Invert(op Operation) (Operation, error) {
	inv := op
	inv.ID = NewID()
	switch p := op.Payload.(type) {
	case TextInsert:
		inv.Payload = TextDelete{Position: p.Position, Length: utf8.RuneCountInString(p.Text), DeletedContent: p.Text}
	case TextDelete:
		if utf8.RuneCountInString(p.DeletedContent) != p.Length {
			return Operation{}, fmt.Errorf("%w: text-delete %s has no captured content", ErrNotInvertible, op.ID)
		}
		inv.Payload = TextInsert{Position: p.Position, Text: p.DeletedContent}
	case TextReplace:
		if utf8.RuneCountInString(p.ReplacedContent) != p.Length {
			return Operation{}, fmt.Errorf("%w: text-replace %s has no captured content", ErrNotInvertible, op.ID)
		}
		inv.Payload = TextReplace{
			Position:        p.Position,
			Length:          utf8.RuneCountInString(p.Text),
			Text:            p.ReplacedContent,
			ReplacedContent: p.Text,
		}
	case ObjectSet:
		if p.HadOldValue {
			inv.Payload = ObjectSet{Key: p.Key, Value: Clone(p.OldValue), OldValue: Clone(p.Value), HadOldValue: true}
		} else {
			inv.Payload = ObjectDelete{Key: p.Key, OldValue: Clone(p.Value)}
		}
	case ObjectDelete:
		inv.Payload = ObjectSet{Key: p.Key, Value: Clone(p.OldValue)}
	case ArrayInsert:
		inv.Payload = ArrayDelete{Index: p.Index, Count: len(p.Items), DeletedItems: CloneSlice(p.Items)}
	case ArrayDelete:
		if len(p.DeletedItems) != p.Count {
			return Operation{}, fmt.Errorf("%w: array-delete %s has no captured items", ErrNotInvertible, op.ID)
		}
		inv.Payload = ArrayInsert{Index: p.Index, Items: CloneSlice(p.DeletedItems)}
	case ArrayMove:
		inv.Payload = ArrayMove{From: p.To, To: p.From}
	case ArrayReplace:
		inv.Payload = ArrayReplace{Index: p.Index, Value: Clone(p.OldValue), OldValue: Clone(p.Value)}
	case Composite:
		// 逆序逆转每个子操作
		subs := make([]Operation, len(p.Ops))
		for i, sub := range p.Ops {
			r, err := Invert(sub)
			if err != nil {
				return Operation{}, err
			}
			subs[len(p.Ops)-1-i] = Operation{Path: r.Path, Payload: r.Payload}
		}
		inv.Payload = Composite{Ops: subs}
	case Noop:
		inv.Payload = Noop{Reason: "inverse of no-op"}
	default:
		return Operation{}, fmt.Errorf("%w: %T", ErrUnknownType, op.Payload)
	}
	return inv, nil
}
