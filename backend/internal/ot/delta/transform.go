package delta

import "math"

const infinity = math.MaxInt

// iterator 按长度切分 delta，耗尽后视为无限 retain
type iterator struct {
	ops    Delta
	index  int
	offset int
}

func (it *iterator) hasNext() bool { return it.peekLength() < infinity }

func (it *iterator) peekLength() int {
	if it.index < len(it.ops) {
		return it.ops[it.index].Len() - it.offset
	}
	return infinity
}

func (it *iterator) peekKind() Kind {
	if it.index < len(it.ops) {
		return it.ops[it.index].Kind
	}
	return KindRetain
}

func (it *iterator) next(length int) Op {
	if it.index >= len(it.ops) {
		return Op{Kind: KindRetain, Count: infinity}
	}
	op := it.ops[it.index]
	offset := it.offset
	if rest := op.Len() - offset; length >= rest {
		length = rest
		it.index++
		it.offset = 0
	} else {
		it.offset += length
	}
	switch op.Kind {
	case KindDelete:
		return Op{Kind: KindDelete, Count: length}
	case KindRetain:
		return Op{Kind: KindRetain, Count: length, Attrs: op.Attrs}
	default:
		r := []rune(op.Text)
		return Op{Kind: KindInsert, Text: string(r[offset : offset+length]), Attrs: op.Attrs}
	}
}

// Transform 把 other 变换到 a 之后执行。
// priority=true 表示 a 先发生：同一位置的插入 a 排在前面。
// 对任意同基线的 a、b 有：apply(apply(S,a), Transform(a,b,p)) == apply(apply(S,b), Transform(b,a,!p))
func Transform(a, other Delta, priority bool) Delta {
	ai := &iterator{ops: a}
	bi := &iterator{ops: other}
	out := Delta{}
	for ai.hasNext() || bi.hasNext() {
		switch {
		case ai.peekKind() == KindInsert && (priority || bi.peekKind() != KindInsert):
			out = out.Push(Retain(ai.next(infinity).Len()))
		case bi.peekKind() == KindInsert:
			out = out.Push(bi.next(infinity))
		default:
			length := min(ai.peekLength(), bi.peekLength())
			aop := ai.next(length)
			bop := bi.next(length)
			if aop.Kind == KindDelete {
				// a 已删掉这段：b 的 delete 多余，b 的 retain 也无处可落
				continue
			}
			if bop.Kind == KindDelete {
				out = out.Push(bop)
			} else {
				out = out.Push(Retain(length))
			}
		}
	}
	return out.Chop()
}

// TransformPosition 计算光标/位置经过 d 之后的新位置；priority=true 时同位置插入不移动该位置
func TransformPosition(d Delta, index int, priority bool) int {
	it := &iterator{ops: d}
	offset := 0
	for it.hasNext() && offset <= index {
		length := it.peekLength()
		kind := it.peekKind()
		it.next(infinity)
		if kind == KindDelete {
			index -= min(length, index-offset)
			continue
		}
		if kind == KindInsert && (offset < index || !priority) {
			index += length
		}
		offset += length
	}
	return index
}
