package ot

import (
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/delta"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

// 同一字符串字段上的文本操作：转成 delta 做位置变换，再转回文本操作
func transformText(x, a operation.Operation, xFirst bool) operation.Operation {
	dx := toDelta(x.Payload)
	da := toDelta(a.Payload)
	// priority 表示 a 先发生，a 的插入排在前面
	return fromDelta(x, delta.Transform(da, dx, !xFirst))
}

func toDelta(p operation.Payload) delta.Delta {
	d := delta.Delta{}
	switch t := p.(type) {
	case operation.TextInsert:
		d = d.Push(delta.Retain(t.Position)).Push(delta.Insert(t.Text))
	case operation.TextDelete:
		d = d.Push(delta.Retain(t.Position)).Push(delta.Delete(t.Length))
	case operation.TextReplace:
		d = d.Push(delta.Retain(t.Position)).Push(delta.Insert(t.Text)).Push(delta.Delete(t.Length))
	}
	return d
}

// fromDelta：空 delta 收敛为 Noop，单段编辑还原为单个文本操作，被拆开的编辑变成按顺序执行的复合操作
func fromDelta(x operation.Operation, d delta.Delta) operation.Operation {
	var edits []operation.Payload
	pos := 0
	for i := 0; i < len(d); i++ {
		op := d[i]
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			if i+1 < len(d) && d[i+1].Kind == delta.KindDelete {
				edits = append(edits, operation.TextReplace{Position: pos, Length: d[i+1].Count, Text: op.Text})
				i++
			} else {
				edits = append(edits, operation.TextInsert{Position: pos, Text: op.Text})
			}
			pos += op.Len()
		case delta.KindDelete:
			edits = append(edits, operation.TextDelete{Position: pos, Length: op.Count})
		}
	}

	switch len(edits) {
	case 0:
		return x.AsNoop("text range already removed")
	case 1:
		return x.WithPayload(edits[0])
	}
	subs := make([]operation.Operation, len(edits))
	for i, e := range edits {
		subs[i] = operation.Operation{Path: x.Path, Payload: e}
	}
	return x.WithPayload(operation.Composite{Ops: subs})
}
