package delta

import "unicode/utf8"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

type Delta []Op

// "ops":[{"retain":5},{"insert":"Hello"}]

func Retain(n int) Op       { return Op{Kind: KindRetain, Count: n} }
func Insert(text string) Op { return Op{Kind: KindInsert, Text: text} }
func Delete(n int) Op       { return Op{Kind: KindDelete, Count: n} }

// Len 按 rune 计算单个 op 的长度
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// BaseLen：应用该 delta 至少需要的原文长度（retain + delete）
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// TargetLen：显式覆盖部分应用后的长度（retain + insert）
func (d Delta) TargetLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindDelete {
			n += op.Len()
		}
	}
	return n
}

// Push 追加一个 op，并与末尾同类 op 合并；insert 总是排在相邻的 delete 之前，保证规范形式
func (d Delta) Push(op Op) Delta {
	if op.Len() <= 0 {
		return d
	}
	n := len(d)
	if n > 0 {
		last := d[n-1]
		if last.Kind == KindDelete && op.Kind == KindDelete {
			d[n-1].Count += op.Count
			return d
		}
		if last.Kind == KindDelete && op.Kind == KindInsert {
			// 把 insert 放到 delete 前面
			if n >= 2 && d[n-2].Kind == KindInsert && d[n-2].Attrs == nil && op.Attrs == nil {
				d[n-2].Text += op.Text
				return d
			}
			d = append(d, Op{})
			copy(d[n:], d[n-1:n])
			d[n-1] = op
			return d
		}
		if last.Attrs == nil && op.Attrs == nil {
			if last.Kind == KindInsert && op.Kind == KindInsert {
				d[n-1].Text += op.Text
				return d
			}
			if last.Kind == KindRetain && op.Kind == KindRetain {
				d[n-1].Count += op.Count
				return d
			}
		}
	}
	return append(d, op)
}

// Chop 去掉末尾无属性的 retain
func (d Delta) Chop() Delta {
	if n := len(d); n > 0 && d[n-1].Kind == KindRetain && d[n-1].Attrs == nil {
		return d[:n-1]
	}
	return d
}

// Normalize 合并相邻 op 并去掉零长度 op
func (d Delta) Normalize() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		out = out.Push(op)
	}
	return out.Chop()
}
