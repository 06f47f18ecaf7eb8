package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrStructural = errors.New("STRUCTURAL_ERROR")

// StructuralError 表示路径在当前文档上无法解析（缺 key、下标越界、类型不符）
type StructuralError struct {
	Path   Path
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error at %q: %s", e.Path.String(), e.Reason)
}

func (e *StructuralError) Unwrap() error { return ErrStructural }

// Structuralf 构造带路径的 StructuralError
func Structuralf(p Path, format string, args ...any) error {
	return &StructuralError{Path: p.Clone(), Reason: fmt.Sprintf(format, args...)}
}

// Segment 是路径的一段：对象 key 或数组下标
type Segment struct {
	key     string
	index   int
	isIndex bool
}

func Key(k string) Segment { return Segment{key: k} }
func Index(i int) Segment  { return Segment{index: i, isIndex: true} }

func (s Segment) IsIndex() bool { return s.isIndex }
func (s Segment) Key() string   { return s.key }
func (s Segment) Index() int    { return s.index }

func (s Segment) String() string {
	if s.isIndex {
		return strconv.Itoa(s.index)
	}
	return s.key
}

// JSON 中 key 为字符串，下标为数字
func (s Segment) MarshalJSON() ([]byte, error) {
	if s.isIndex {
		return []byte(strconv.Itoa(s.index)), nil
	}
	return json.Marshal(s.key)
}

func (s *Segment) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var k string
		if err := json.Unmarshal(b, &k); err != nil {
			return err
		}
		*s = Key(k)
		return nil
	}
	var i int
	if err := json.Unmarshal(b, &i); err != nil {
		return fmt.Errorf("path segment must be string or integer: %w", err)
	}
	*s = Index(i)
	return nil
}

type Path []Segment

// P 便捷构造路径：string 视为 key，int 视为下标
func P(parts ...any) Path {
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		switch v := part.(type) {
		case int:
			p = append(p, Index(v))
		case string:
			p = append(p, Key(v))
		case Segment:
			p = append(p, v)
		default:
			panic(fmt.Sprintf("operation.P: unsupported segment %T", part))
		}
	}
	return p
}

func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix 判断 prefix 是否为 p 的前缀（含相等）
func (p Path) HasPrefix(prefix Path) bool {
	return len(prefix) <= len(p) && p[:len(prefix)].Equal(prefix)
}

func (p Path) Child(s Segment) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, s)
}

// String 形如 days[2].activities[0].title
func (p Path) String() string {
	var sb strings.Builder
	for i, s := range p {
		if s.isIndex {
			sb.WriteString("[" + strconv.Itoa(s.index) + "]")
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(s.key)
	}
	return sb.String()
}

// Resolve 沿路径取值；缺 key 或下标越界返回 StructuralError
func Resolve(root any, p Path) (any, error) {
	cur := root
	for i, s := range p {
		if s.isIndex {
			arr, ok := cur.([]any)
			if !ok {
				return nil, Structuralf(p[:i+1], "expected array, got %T", cur)
			}
			if s.index < 0 || s.index >= len(arr) {
				return nil, Structuralf(p[:i+1], "index %d out of range [0,%d)", s.index, len(arr))
			}
			cur = arr[s.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, Structuralf(p[:i+1], "expected object, got %T", cur)
		}
		v, ok := obj[s.key]
		if !ok {
			return nil, Structuralf(p[:i+1], "missing key %q", s.key)
		}
		cur = v
	}
	return cur, nil
}

// ResolveObject / ResolveArray / ResolveString 在 Resolve 基础上校验类型
func ResolveObject(root any, p Path) (map[string]any, error) {
	v, err := Resolve(root, p)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, Structuralf(p, "expected object, got %T", v)
	}
	return obj, nil
}

func ResolveArray(root any, p Path) ([]any, error) {
	v, err := Resolve(root, p)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, Structuralf(p, "expected array, got %T", v)
	}
	return arr, nil
}

func ResolveString(root any, p Path) (string, error) {
	v, err := Resolve(root, p)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", Structuralf(p, "expected string, got %T", v)
	}
	return s, nil
}

// Replace 把路径处的值替换为 v，返回新的根。
// 路径必须已存在；容器本身原地修改，调用方应先 Clone。
func Replace(root any, p Path, v any) (any, error) {
	if len(p) == 0 {
		return v, nil
	}
	parent, err := Resolve(root, p[:len(p)-1])
	if err != nil {
		return nil, err
	}
	last := p[len(p)-1]
	if last.isIndex {
		arr, ok := parent.([]any)
		if !ok || last.index < 0 || last.index >= len(arr) {
			return nil, Structuralf(p, "cannot replace array element")
		}
		arr[last.index] = v
		return root, nil
	}
	obj, ok := parent.(map[string]any)
	if !ok {
		return nil, Structuralf(p, "cannot replace object field on %T", parent)
	}
	if _, exists := obj[last.key]; !exists {
		return nil, Structuralf(p, "missing key %q", last.key)
	}
	obj[last.key] = v
	return root, nil
}
