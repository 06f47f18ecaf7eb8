package collab

import (
	"errors"
	"fmt"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

var (
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrHistoryTruncated      = errors.New("HISTORY_TRUNCATED")
	ErrDocumentNotActive     = errors.New("DOCUMENT_NOT_ACTIVE")
	ErrNothingToUndo         = errors.New("NOTHING_TO_UNDO")
	ErrNothingToRedo         = errors.New("NOTHING_TO_REDO")
	ErrBusy                  = errors.New("SERVER_BUSY")
	ErrRegistryUnavailable   = errors.New("DOCUMENT_REGISTRY_UNAVAILABLE")
)

// RejectionError 返回给提交者：带上操作 id 与原因，客户端据此决定重新变换提交还是丢弃
type RejectionError struct {
	OperationID string
	DocumentID  string
	Reason      string
	Err         error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("operation %s on %s rejected (%s): %v", e.OperationID, e.DocumentID, e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(docID string, op operation.Operation, err error) error {
	return &RejectionError{
		OperationID: op.ID,
		DocumentID:  docID,
		Reason:      Reason(err),
		Err:         err,
	}
}

// Reason 把错误归类成稳定的原因码，用于回执与指标
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateOrOutOfOrder):
		return "duplicate"
	case errors.Is(err, ErrRevisionConflict):
		return "revision_conflict"
	case errors.Is(err, ErrHistoryTruncated):
		return "history_truncated"
	case errors.Is(err, ErrDocumentNotActive):
		return "not_active"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, operation.ErrInvalid):
		return "invalid"
	case errors.Is(err, operation.ErrStructural):
		return "structural"
	case errors.Is(err, operation.ErrNotInvertible):
		return "not_invertible"
	default:
		return "internal"
	}
}
