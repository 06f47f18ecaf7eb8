package buffer

import (
	"fmt"
	"strings"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 以 rune 为单位保存文本，修改只追加 add buffer 并调整 piece 列表
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

// Slice 返回 [pos, pos+n) 的文本，删除前用它记录被删内容
func (pt *PieceTable) Slice(pos, n int) (string, error) {
	if pos < 0 || n < 0 || pos+n > pt.Len() {
		return "", fmt.Errorf("%w: slice [%d,%d) of %d", ErrOutOfRange, pos, pos+n, pt.Len())
	}
	var sb strings.Builder
	cur := 0
	for _, p := range pt.pieces {
		if n == 0 {
			break
		}
		if pos >= cur+p.length {
			cur += p.length
			continue
		}
		r := pt.runes(p)
		from := max(pos-cur, 0)
		take := min(p.length-from, n)
		sb.WriteString(string(r[from : from+take]))
		n -= take
		pos += take
		cur += p.length
	}
	return sb.String(), nil
}

// Apply 顺序执行 delta：retain 移动 pos，insert 在 pos 插入，delete 在 pos 删除。
// 越界时整体拒绝，不做部分修改。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if base := d.BaseLen(); base > pt.Len() {
		return fmt.Errorf("%w: delta needs %d runes, text has %d", ErrOutOfRange, base, pt.Len())
	}
	pos := 0
	for _, op := range d {
		if op.Count < 0 {
			return fmt.Errorf("%w: negative count %d", ErrOutOfRange, op.Count)
		}
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pt.insert(pos, op.Text)
			pos += op.Len()
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) {
	r := []rune(text)
	if len(r) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		take := min(remain, can)

		if offset == 0 && take == cur.length {
			// 整个 piece 删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take
			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			// 右半段（若有）从新位置继续
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
