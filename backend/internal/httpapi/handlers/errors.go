package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/collab"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

var errBadRequest = errors.New("BAD_REQUEST")

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

// statusOf 把领域错误映射为 HTTP 状态码与错误码
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errBadRequest.Error()
	case errors.Is(err, operation.ErrStructural):
		return http.StatusUnprocessableEntity, collab.Reason(err)
	case errors.Is(err, operation.ErrInvalid):
		return http.StatusBadRequest, collab.Reason(err)
	case errors.Is(err, collab.ErrRevisionConflict),
		errors.Is(err, collab.ErrDuplicateOrOutOfOrder),
		errors.Is(err, collab.ErrHistoryTruncated):
		return http.StatusConflict, collab.Reason(err)
	case errors.Is(err, collab.ErrDocumentNotActive),
		errors.Is(err, version.ErrNotInitialized),
		errors.Is(err, version.ErrVersionNotFound):
		return http.StatusNotFound, rootCode(err)
	case errors.Is(err, version.ErrTagExists),
		errors.Is(err, collab.ErrNothingToUndo),
		errors.Is(err, collab.ErrNothingToRedo):
		return http.StatusConflict, rootCode(err)
	case errors.Is(err, version.ErrEmptyTagLabel):
		return http.StatusBadRequest, rootCode(err)
	case errors.Is(err, collab.ErrBusy):
		return http.StatusServiceUnavailable, rootCode(err)
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// rootCode 取最内层错误的文本，即大写错误码
func rootCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}
