package ot

import (
	"fmt"
	"time"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/buffer"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/delta"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

// DocumentState 是某个文档当前的权威内容，Data 总是完整的值而不是增量
type DocumentState struct {
	ID             string    `json:"id"`
	Version        uint64    `json:"version"` // 从 1 开始，每成功 apply 一次 +1
	Data           any       `json:"data"`
	LastModified   time.Time `json:"lastModified"`
	LastModifiedBy string    `json:"lastModifiedBy"`
}

// ApplyResult：成功时 State 为新状态、Applied 为补全了“之前”数据的操作；失败时 Err 非空，State 为原状态
type ApplyResult struct {
	Success bool
	State   DocumentState
	Applied operation.Operation
	Err     error
}

var now = time.Now

// Apply 是纯函数：在深拷贝上执行，失败时输入状态不受影响，复合操作要么全部生效要么全不生效。
// Noop 同样推进版本号。
func Apply(state DocumentState, op operation.Operation) ApplyResult {
	data, applied, err := applyTo(operation.Clone(state.Data), op)
	if err != nil {
		return ApplyResult{State: state, Err: fmt.Errorf("apply %s (%s): %w", op.ID, op.Type(), err)}
	}
	return ApplyResult{
		Success: true,
		State: DocumentState{
			ID:             state.ID,
			Version:        state.Version + 1,
			Data:           data,
			LastModified:   now(),
			LastModifiedBy: op.UserID,
		},
		Applied: applied,
	}
}

func applyTo(root any, op operation.Operation) (any, operation.Operation, error) {
	switch p := op.Payload.(type) {
	case operation.TextInsert:
		next, _, err := editText(root, op.Path, p.Position, 0, delta.Delta{delta.Retain(p.Position), delta.Insert(p.Text)})
		return next, op, err

	case operation.TextDelete:
		next, removed, err := editText(root, op.Path, p.Position, p.Length, delta.Delta{delta.Retain(p.Position), delta.Delete(p.Length)})
		if err != nil {
			return nil, op, err
		}
		p.DeletedContent = removed
		return next, op.WithPayload(p), nil

	case operation.TextReplace:
		d := delta.Delta{delta.Retain(p.Position), delta.Insert(p.Text), delta.Delete(p.Length)}
		next, removed, err := editText(root, op.Path, p.Position, p.Length, d)
		if err != nil {
			return nil, op, err
		}
		p.ReplacedContent = removed
		return next, op.WithPayload(p), nil

	case operation.ObjectSet:
		obj, err := operation.ResolveObject(root, op.Path)
		if err != nil {
			return nil, op, err
		}
		p.OldValue, p.HadOldValue = obj[p.Key]
		obj[p.Key] = operation.Clone(p.Value)
		return root, op.WithPayload(p), nil

	case operation.ObjectDelete:
		obj, err := operation.ResolveObject(root, op.Path)
		if err != nil {
			return nil, op, err
		}
		old, ok := obj[p.Key]
		if !ok {
			return nil, op, operation.Structuralf(op.Path.Child(operation.Key(p.Key)), "missing key %q", p.Key)
		}
		delete(obj, p.Key)
		p.OldValue = old
		return root, op.WithPayload(p), nil

	case operation.ArrayInsert:
		arr, err := operation.ResolveArray(root, op.Path)
		if err != nil {
			return nil, op, err
		}
		if p.Index < 0 || p.Index > len(arr) {
			return nil, op, operation.Structuralf(op.Path, "insert index %d out of range [0,%d]", p.Index, len(arr))
		}
		out := make([]any, 0, len(arr)+len(p.Items))
		out = append(out, arr[:p.Index]...)
		out = append(out, operation.CloneSlice(p.Items)...)
		out = append(out, arr[p.Index:]...)
		next, err := operation.Replace(root, op.Path, out)
		return next, op, err

	case operation.ArrayDelete:
		arr, err := operation.ResolveArray(root, op.Path)
		if err != nil {
			return nil, op, err
		}
		if p.Index < 0 || p.Count < 0 || p.Index+p.Count > len(arr) {
			return nil, op, operation.Structuralf(op.Path, "delete range [%d,%d) out of range [0,%d)", p.Index, p.Index+p.Count, len(arr))
		}
		p.DeletedItems = append([]any(nil), arr[p.Index:p.Index+p.Count]...)
		out := make([]any, 0, len(arr)-p.Count)
		out = append(out, arr[:p.Index]...)
		out = append(out, arr[p.Index+p.Count:]...)
		next, err := operation.Replace(root, op.Path, out)
		return next, op.WithPayload(p), err

	case operation.ArrayMove:
		arr, err := operation.ResolveArray(root, op.Path)
		if err != nil {
			return nil, op, err
		}
		if p.From < 0 || p.From >= len(arr) || p.To < 0 || p.To >= len(arr) {
			return nil, op, operation.Structuralf(op.Path, "move %d->%d out of range [0,%d)", p.From, p.To, len(arr))
		}
		item := arr[p.From]
		rest := make([]any, 0, len(arr))
		rest = append(rest, arr[:p.From]...)
		rest = append(rest, arr[p.From+1:]...)
		out := make([]any, 0, len(arr))
		out = append(out, rest[:p.To]...)
		out = append(out, item)
		out = append(out, rest[p.To:]...)
		next, err := operation.Replace(root, op.Path, out)
		return next, op, err

	case operation.ArrayReplace:
		arr, err := operation.ResolveArray(root, op.Path)
		if err != nil {
			return nil, op, err
		}
		if p.Index < 0 || p.Index >= len(arr) {
			return nil, op, operation.Structuralf(op.Path, "replace index %d out of range [0,%d)", p.Index, len(arr))
		}
		p.OldValue = arr[p.Index]
		arr[p.Index] = operation.Clone(p.Value)
		return root, op.WithPayload(p), nil

	case operation.Composite:
		subs := make([]operation.Operation, 0, len(p.Ops))
		for i, child := range op.Children() {
			next, applied, err := applyTo(root, child)
			if err != nil {
				return nil, op, fmt.Errorf("composite step %d: %w", i, err)
			}
			root = next
			subs = append(subs, operation.Operation{Path: applied.Path, Payload: applied.Payload})
		}
		return root, op.WithPayload(operation.Composite{Ops: subs}), nil

	case operation.Noop:
		return root, op, nil

	default:
		return nil, op, fmt.Errorf("%w: %T", operation.ErrUnknownType, op.Payload)
	}
}

// editText 用 PieceTable 对路径处的字符串执行 delta，返回新根与被删除的内容
func editText(root any, path operation.Path, pos, removeLen int, d delta.Delta) (any, string, error) {
	s, err := operation.ResolveString(root, path)
	if err != nil {
		return nil, "", err
	}
	pt := buffer.NewPieceTable(s)
	if pos < 0 || pos > pt.Len() {
		return nil, "", operation.Structuralf(path, "text position %d out of range [0,%d]", pos, pt.Len())
	}
	removed, err := pt.Slice(pos, removeLen)
	if err != nil {
		return nil, "", operation.Structuralf(path, "%v", err)
	}
	if err := pt.Apply(d); err != nil {
		return nil, "", operation.Structuralf(path, "%v", err)
	}
	next, err := operation.Replace(root, path, pt.String())
	return next, removed, err
}
