package collab

import (
	"time"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

const (
	EventOpApplied = "OP_APPLIED"
	EventVersion   = "VERSION_EVENT"
)

// DocOpEvent 写入 kafka 的记录，以 docId 作为分区 key
type DocOpEvent struct {
	EventType   string               `json:"eventType"`
	DocID       string               `json:"docId"`
	OperationID string               `json:"operationId,omitempty"`
	OpType      operation.Type       `json:"opType,omitempty"`
	Version     uint64               `json:"version,omitempty"`
	AuthorID    string               `json:"authorId,omitempty"`
	ClientID    string               `json:"clientId,omitempty"`
	ClientSeq   uint64               `json:"clientSeq,omitempty"` // 针对同一个 clientId 的本地递增序号
	BaseVersion uint64               `json:"baseVersion,omitempty"`
	Operation   *operation.Operation `json:"operation,omitempty"`
	// VERSION_EVENT 专用
	VersionEvent string    `json:"versionEvent,omitempty"`
	VersionID    string    `json:"versionId,omitempty"`
	AppliedAt    time.Time `json:"appliedAt"`
}

func opAppliedEvent(docID string, applied AppliedOp) DocOpEvent {
	op := applied.Operation
	return DocOpEvent{
		EventType:   EventOpApplied,
		DocID:       docID,
		OperationID: op.ID,
		OpType:      op.Type(),
		Version:     applied.Version,
		AuthorID:    op.UserID,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		BaseVersion: op.BaseVersion,
		Operation:   &op,
		AppliedAt:   applied.AppliedAt,
	}
}

func versionEvent(ev version.Event) DocOpEvent {
	out := DocOpEvent{
		EventType:    EventVersion,
		DocID:        ev.DocumentID,
		VersionEvent: string(ev.Type),
		AppliedAt:    ev.Timestamp,
	}
	switch d := ev.Data.(type) {
	case version.VersionCreatedData:
		out.VersionID = d.VersionID
		out.Version = uint64(d.Version)
		out.AuthorID = d.AuthorID
	case version.VersionRestoredData:
		out.VersionID = d.NewVersionID
		out.Version = uint64(d.Version)
		out.AuthorID = d.AuthorID
	case version.VersionTaggedData:
		out.VersionID = d.VersionID
		out.AuthorID = d.Tag.CreatedBy
	case version.VersionComparedData:
		if d.Diff != nil {
			out.VersionID = d.Diff.ToVersionID
		}
	}
	return out
}
