package ot

import (
	"sort"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

// transformArray：同一数组上的操作。
// 元素下标经 mapIndex 映射；插入位置（缝隙）经 mapGap 映射，同位置平局按全序先者在前。
func transformArray(x, a operation.Operation, xFirst bool) operation.Operation {
	switch p := x.Payload.(type) {
	case operation.ArrayInsert:
		p.Index = mapGap(a, p.Index, xFirst)
		return x.WithPayload(p)

	case operation.ArrayDelete:
		var kept []int
		for k := p.Index; k < p.Index+p.Count; k++ {
			if j, ok := mapIndex(a, k); ok {
				kept = append(kept, j)
			}
		}
		return deleteRuns(x, kept)

	case operation.ArrayReplace:
		if r, ok := a.Payload.(operation.ArrayReplace); ok && r.Index == p.Index {
			if xFirst {
				return x.AsNoop("overwritten by later write " + a.ID)
			}
			return x
		}
		j, ok := mapIndex(a, p.Index)
		if !ok {
			return x.AsNoop("element deleted by " + a.ID)
		}
		p.Index = j
		return x.WithPayload(p)

	case operation.ArrayMove:
		return transformMove(x, p, a, xFirst)
	}
	return x
}

// mapIndex 把 a 执行前的元素下标映射到 a 执行后；元素被删除时 ok=false
func mapIndex(a operation.Operation, k int) (int, bool) {
	switch p := a.Payload.(type) {
	case operation.ArrayInsert:
		if k >= p.Index {
			return k + len(p.Items), true
		}
	case operation.ArrayDelete:
		if k >= p.Index+p.Count {
			return k - p.Count, true
		}
		if k >= p.Index {
			return 0, false
		}
	case operation.ArrayMove:
		return moveIndex(p, k), true
	}
	return k, true
}

func moveIndex(m operation.ArrayMove, k int) int {
	if k == m.From {
		return m.To
	}
	if k > m.From {
		k--
	}
	if k >= m.To {
		k++
	}
	return k
}

// mapGap 映射插入位置 g（位于原下标 g 的元素之前）；insertFirst 决定与 a 在同一缝隙时谁在前
func mapGap(a operation.Operation, g int, insertFirst bool) int {
	switch p := a.Payload.(type) {
	case operation.ArrayInsert:
		if g > p.Index || (g == p.Index && !insertFirst) {
			return g + len(p.Items)
		}
	case operation.ArrayDelete:
		switch {
		case g >= p.Index+p.Count:
			return g - p.Count
		case g > p.Index:
			return p.Index
		}
	case operation.ArrayMove:
		w := g - b2i(p.From < g)
		if w > p.To || (w == p.To && !insertFirst) {
			return w + 1
		}
		return w
	}
	return g
}

// deleteRuns 把剩余下标合并成连续区间；多段时按降序生成删除，互不影响下标
func deleteRuns(x operation.Operation, kept []int) operation.Operation {
	if len(kept) == 0 {
		return x.AsNoop("items already deleted")
	}
	sort.Ints(kept)
	type run struct{ start, count int }
	runs := []run{{kept[0], 1}}
	for _, k := range kept[1:] {
		last := &runs[len(runs)-1]
		if k == last.start+last.count {
			last.count++
			continue
		}
		runs = append(runs, run{k, 1})
	}
	if len(runs) == 1 {
		return x.WithPayload(operation.ArrayDelete{Index: runs[0].start, Count: runs[0].count})
	}
	subs := make([]operation.Operation, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		subs = append(subs, operation.Operation{
			Path:    x.Path,
			Payload: operation.ArrayDelete{Index: runs[i].start, Count: runs[i].count},
		})
	}
	return x.WithPayload(operation.Composite{Ops: subs})
}

// transformMove：To 是“取出元素后的数组”上的位置，需要先把 a 换算到这个坐标系
func transformMove(x operation.Operation, m operation.ArrayMove, a operation.Operation, xFirst bool) operation.Operation {
	switch p := a.Payload.(type) {
	case operation.ArrayInsert:
		from, _ := mapIndex(a, m.From)
		gap := p.Index - b2i(m.From < p.Index)
		to := m.To
		if to > gap || (to == gap && !xFirst) {
			to += len(p.Items)
		}
		return x.WithPayload(operation.ArrayMove{From: from, To: to})

	case operation.ArrayDelete:
		from, ok := mapIndex(a, m.From)
		if !ok {
			return x.AsNoop("moved element deleted by " + a.ID)
		}
		start := p.Index - b2i(m.From < p.Index)
		to := m.To
		switch {
		case to >= start+p.Count:
			to -= p.Count
		case to > start:
			to = start
		}
		return x.WithPayload(operation.ArrayMove{From: from, To: to})

	case operation.ArrayMove:
		if p.From == m.From {
			// 同一元素被两人移动，后写者胜
			if xFirst {
				return x.AsNoop("element moved by later write " + a.ID)
			}
			return x.WithPayload(operation.ArrayMove{From: p.To, To: m.To})
		}
		// 把两个目标都换算到“去掉两个被移动元素”的数组上，平局时先者的元素在前
		aTo := p.To - b2i(m.From-b2i(p.From < m.From) < p.To)
		xTo := m.To - b2i(p.From-b2i(m.From < p.From) < m.To)
		to := xTo
		if aTo < xTo || (aTo == xTo && !xFirst) {
			to++
		}
		return x.WithPayload(operation.ArrayMove{From: moveIndex(p, m.From), To: to})
	}
	return x
}
