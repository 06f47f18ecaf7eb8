package buffer

import (
	"errors"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/delta"
)

var ErrOutOfRange = errors.New("TEXT_RANGE_OUT_OF_BOUNDS")

// 抽象文本内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	Slice(pos, n int) (string, error)
	String() string
}

/*
结构示例

初始文本 `"Day 1: Kyoto"`：

- original buffer 内容：`"Day 1: Kyoto"`
- add buffer 为空
- piece 表：

[ (orig, offset=0, length=12) ]

在位置 6 插入 `" Arashiyama,"`：
- add buffer = `" Arashiyama,"`
- piece 表从一条拆成三条：

[
  (orig, offset=0, length=6),   // "Day 1:"
  (add,  offset=0, length=12),  // " Arashiyama,"
  (orig, offset=6, length=6),   // " Kyoto"
]
*/
