package version

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

// Diff 递归比较两个 JSON 值，返回有序的变更列表。
// 对象按 key 排序遍历，同样的输入总是得到同样的输出。
func Diff(oldData, newData any) []VersionChange {
	var out []VersionChange
	diffAt(operation.Path{}, oldData, newData, &out)
	return out
}

func diffAt(p operation.Path, oldV, newV any, out *[]VersionChange) {
	if operation.Equal(oldV, newV) {
		return
	}
	// 两侧都存在的 null 是值而不是缺失：null 变为值算新增，值变为 null 算修改。
	// deleted 只留给缺失的 key 和超出新长度的下标。
	if oldV == nil {
		*out = append(*out, change(ChangeAdded, p, nil, newV))
		return
	}

	oldArr, oldIsArr := oldV.([]any)
	newArr, newIsArr := newV.([]any)
	if oldIsArr && newIsArr {
		n := max(len(oldArr), len(newArr))
		for i := 0; i < n; i++ {
			child := p.Child(operation.Index(i))
			switch {
			case i >= len(oldArr):
				*out = append(*out, change(ChangeAdded, child, nil, newArr[i]))
			case i >= len(newArr):
				*out = append(*out, change(ChangeDeleted, child, oldArr[i], nil))
			default:
				diffAt(child, oldArr[i], newArr[i], out)
			}
		}
		return
	}

	oldObj, oldIsObj := oldV.(map[string]any)
	newObj, newIsObj := newV.(map[string]any)
	if oldIsObj && newIsObj {
		for _, k := range unionKeys(oldObj, newObj) {
			child := p.Child(operation.Key(k))
			ov, inOld := oldObj[k]
			nv, inNew := newObj[k]
			switch {
			case !inOld:
				*out = append(*out, change(ChangeAdded, child, nil, nv))
			case !inNew:
				*out = append(*out, change(ChangeDeleted, child, ov, nil))
			default:
				diffAt(child, ov, nv, out)
			}
		}
		return
	}

	// 标量不等，或者类型不同（对象换成数组等），整体算修改
	*out = append(*out, change(ChangeModified, p, oldV, newV))
}

func change(t ChangeType, p operation.Path, oldV, newV any) VersionChange {
	return VersionChange{
		Type:      t,
		Path:      p.Clone(),
		PathLabel: PathLabel(p),
		OldValue:  operation.Clone(oldV),
		NewValue:  operation.Clone(newV),
	}
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// PathLabel 生成可读路径：下标 n 显示为 "Item n+1"，字段名首字母大写，用 " > " 连接。
// 例：days[2].activities[0].title → "Days > Item 3 > Activities > Item 1 > Title"
func PathLabel(p operation.Path) string {
	if len(p) == 0 {
		return "Document"
	}
	parts := make([]string, len(p))
	for i, s := range p {
		if s.IsIndex() {
			parts[i] = "Item " + strconv.Itoa(s.Index()+1)
		} else {
			parts[i] = capitalize(s.Key())
		}
	}
	return strings.Join(parts, " > ")
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

// fieldName 摘要里使用的点分路径，例如 days.2.city
func fieldName(p operation.Path) string {
	if len(p) == 0 {
		return "$"
	}
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// Summarize 统计变更并给出重要程度
func Summarize(changes []VersionChange) ChangesSummary {
	s := ChangesSummary{
		AddedFields:    []string{},
		ModifiedFields: []string{},
		DeletedFields:  []string{},
	}
	for _, c := range changes {
		name := fieldName(c.Path)
		switch c.Type {
		case ChangeAdded:
			s.Added++
			s.AddedFields = appendUnique(s.AddedFields, name)
		case ChangeDeleted:
			s.Deleted++
			s.DeletedFields = appendUnique(s.DeletedFields, name)
		case ChangeModified, ChangeMoved:
			s.Modified++
			s.ModifiedFields = appendUnique(s.ModifiedFields, name)
		}
	}
	s.TotalChanges = len(changes)
	s.Significance = Classify(s.TotalChanges)
	return s
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// ApplyChanges 把 Diff 的结果当作补丁应用到 data 的副本上，moved 忽略。
// 变更需按 Diff 产生的顺序传入：数组尾部的新增按下标递增追加，删除按下标截断。
func ApplyChanges(data any, changes []VersionChange) (any, error) {
	root := operation.Clone(data)
	for _, c := range changes {
		if c.Type == ChangeMoved {
			continue
		}
		var err error
		root, err = applyChange(root, c)
		if err != nil {
			return nil, err
		}
	}
	return root, nil
}

func applyChange(root any, c VersionChange) (any, error) {
	if len(c.Path) == 0 {
		if c.Type == ChangeDeleted {
			return nil, nil
		}
		return operation.Clone(c.NewValue), nil
	}
	parentPath, last := c.Path[:len(c.Path)-1], c.Path[len(c.Path)-1]
	parent, err := operation.Resolve(root, parentPath)
	if err != nil {
		return nil, err
	}

	if !last.IsIndex() {
		obj, ok := parent.(map[string]any)
		if !ok {
			return nil, operation.Structuralf(c.Path, "expected object, got %T", parent)
		}
		if c.Type == ChangeDeleted {
			delete(obj, last.Key())
		} else {
			obj[last.Key()] = operation.Clone(c.NewValue)
		}
		return root, nil
	}

	arr, ok := parent.([]any)
	if !ok {
		return nil, operation.Structuralf(c.Path, "expected array, got %T", parent)
	}
	i := last.Index()
	switch {
	case c.Type == ChangeDeleted:
		if i < len(arr) {
			arr = arr[:i]
		}
	case i < len(arr):
		arr[i] = operation.Clone(c.NewValue)
	case i == len(arr):
		arr = append(arr, operation.Clone(c.NewValue))
	default:
		return nil, operation.Structuralf(c.Path, "index %d beyond array end %d", i, len(arr))
	}
	return operation.Replace(root, parentPath, arr)
}
