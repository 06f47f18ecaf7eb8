package cache

import "fmt"

// 键语义：
// - roomKey(docID):           房间在线成员（ZSet<userId>，score 为过期时间 Unix 秒）
// - namesKey(docID):          房间内 userId→username 映射（Hash）
// - cursorKey(docID,userID):  成员光标/选区 JSON（String，带 TTL）
// - snapshotKey(docID):       最新快照的读缓存（String JSON，带抖动 TTL）
//
// {docID} 是 cluster hash tag，同一文档的键落在同一个 slot，lua 脚本可以同时操作

const (
	keyRoomFmt     = "presence:room:{%s}"
	keyNamesFmt    = "presence:names:{%s}"
	keyCursorFmt   = "presence:cursor:{%s}:%s"
	keySnapshotFmt = "collab:snapshot:{%s}"

	roomPrefix = "presence:room:"
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func snapshotKey(docID string) string              { return fmt.Sprintf(keySnapshotFmt, docID) }

// docIDFromRoomKey 反解 roomKey
func docIDFromRoomKey(k string) string {
	if len(k) < len(roomPrefix)+2 || k[:len(roomPrefix)] != roomPrefix {
		return ""
	}
	inner := k[len(roomPrefix):]
	if inner[0] != '{' || inner[len(inner)-1] != '}' {
		return ""
	}
	return inner[1 : len(inner)-1]
}
