package ot

import (
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

// Transform 处理两个基于同一版本生成的并发操作，返回 (a′, b′)：
// a′ 可以在 b 之后执行，b′ 可以在 a 之后执行，且
//
//	apply(apply(S, a), b′) == apply(apply(S, b), a′)
//
// 所有平局都按 operation.Precedes 的全序决定，不会返回错误，冲突只会收敛为变换后的操作或 Noop。
func Transform(a, b operation.Operation) (operation.Operation, operation.Operation) {
	if isComposite(a) || isComposite(b) {
		as, bs := transformSeq(expand(a), expand(b))
		return rebuild(a, as), rebuild(b, bs)
	}
	return transformOne(a, b), transformOne(b, a)
}

// TransformAgainst 把 op 依次变换到 history 之后（history 按执行顺序排列）
func TransformAgainst(op operation.Operation, history []operation.Operation) operation.Operation {
	for _, h := range history {
		op, _ = Transform(op, h)
	}
	return op
}

func isComposite(op operation.Operation) bool {
	_, ok := op.Payload.(operation.Composite)
	return ok
}

func expand(op operation.Operation) []operation.Operation {
	if isComposite(op) {
		return op.Children()
	}
	return []operation.Operation{op}
}

// transformSeq 两个操作序列互相变换：xs 在 ys 之后执行，ys 在 xs 之后执行
func transformSeq(xs, ys []operation.Operation) ([]operation.Operation, []operation.Operation) {
	outY := make([]operation.Operation, 0, len(ys))
	for _, y := range ys {
		next := make([]operation.Operation, 0, len(xs))
		for _, x := range xs {
			var x2 operation.Operation
			x2, y = Transform(x, y)
			next = append(next, x2)
		}
		xs = next
		outY = append(outY, y)
	}
	return xs, outY
}

// rebuild 把变换后的子操作放回原操作的头部下；嵌套的复合操作会被展平
func rebuild(orig operation.Operation, subs []operation.Operation) operation.Operation {
	if !isComposite(orig) && len(subs) == 1 {
		return subs[0]
	}
	flat := make([]operation.Operation, 0, len(subs))
	for _, s := range subs {
		if c, ok := s.Payload.(operation.Composite); ok {
			flat = append(flat, c.Ops...)
			continue
		}
		flat = append(flat, operation.Operation{Path: s.Path, Payload: s.Payload})
	}
	return orig.WithPayload(operation.Composite{Ops: flat})
}

// transformOne：x 变换到 a 之后，两者都不是复合操作
func transformOne(x, a operation.Operation) operation.Operation {
	if x.IsNoop() || a.IsNoop() {
		return x
	}
	xFirst := operation.Precedes(x, a)

	if x.Path.Equal(a.Path) {
		switch {
		case isText(x) && isText(a):
			return transformText(x, a, xFirst)
		case isArray(x) && isArray(a):
			return transformArray(x, a, xFirst)
		case isObject(x) && isObject(a):
			return transformObject(x, a, xFirst)
		}
	}

	// a 改变了 x 的祖先
	if isArray(a) && len(x.Path) > len(a.Path) && x.Path.HasPrefix(a.Path) {
		return shiftDescendant(x, a)
	}
	if isObject(a) {
		if target := a.Path.Child(operation.Key(objectKey(a))); x.Path.HasPrefix(target) {
			return x.AsNoop("ancestor field overwritten by " + a.ID)
		}
	}
	return x
}

func isText(op operation.Operation) bool {
	switch op.Payload.(type) {
	case operation.TextInsert, operation.TextDelete, operation.TextReplace:
		return true
	}
	return false
}

func isArray(op operation.Operation) bool {
	switch op.Payload.(type) {
	case operation.ArrayInsert, operation.ArrayDelete, operation.ArrayMove, operation.ArrayReplace:
		return true
	}
	return false
}

func isObject(op operation.Operation) bool {
	switch op.Payload.(type) {
	case operation.ObjectSet, operation.ObjectDelete:
		return true
	}
	return false
}

func objectKey(op operation.Operation) string {
	switch p := op.Payload.(type) {
	case operation.ObjectSet:
		return p.Key
	case operation.ObjectDelete:
		return p.Key
	}
	return ""
}

// shiftDescendant：a 是祖先数组上的操作，调整 x 路径中对应的下标段
func shiftDescendant(x, a operation.Operation) operation.Operation {
	seg := x.Path[len(a.Path)]
	if !seg.IsIndex() {
		return x
	}
	if r, isReplace := a.Payload.(operation.ArrayReplace); isReplace {
		if r.Index == seg.Index() {
			return x.AsNoop("ancestor element replaced by " + a.ID)
		}
		return x
	}
	j, ok := mapIndex(a, seg.Index())
	if !ok {
		return x.AsNoop("ancestor element deleted by " + a.ID)
	}
	if j == seg.Index() {
		return x
	}
	p := x.Path.Clone()
	p[len(a.Path)] = operation.Index(j)
	return x.WithPath(p)
}

// transformObject：同一对象上的操作，不同 key 互不影响，同一 key 后写者胜
func transformObject(x, a operation.Operation, xFirst bool) operation.Operation {
	if objectKey(x) != objectKey(a) {
		return x
	}
	_, xDel := x.Payload.(operation.ObjectDelete)
	_, aDel := a.Payload.(operation.ObjectDelete)
	if xDel && aDel {
		return x.AsNoop("key already deleted by " + a.ID)
	}
	if xFirst {
		return x.AsNoop("overwritten by later write " + a.ID)
	}
	return x
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
