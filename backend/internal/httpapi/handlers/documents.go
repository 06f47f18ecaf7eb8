package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/collab"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

// Collab HTTP 层用到的协作引擎能力，*collab.Manager 实现
type Collab interface {
	State(docID string) (ot.DocumentState, error)
	Submit(ctx context.Context, docID string, op operation.Operation) (collab.AppliedOp, error)
	Undo(ctx context.Context, docID, userID string) (collab.AppliedOp, error)
	Redo(ctx context.Context, docID, userID string) (collab.AppliedOp, error)
	SaveVersion(ctx context.Context, docID string, author version.Author, opts version.CreateOptions) (*version.CreateResult, error)
	RestoreVersion(ctx context.Context, docID, versionID string, author version.Author) (*version.CreateResult, ot.DocumentState, error)
	Versions() *version.Manager
}

type Handler struct {
	svc Collab
	log zerolog.Logger
}

func New(svc Collab, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Register 挂载 /documents 路由，调用方负责鉴权中间件
func (h *Handler) Register(r gin.IRouter) {
	d := r.Group("/documents/:docID")
	d.GET("", h.GetDocument)
	d.POST("/operations", h.SubmitOperation)
	d.POST("/undo", h.Undo)
	d.POST("/redo", h.Redo)
	d.GET("/versions", h.ListVersions)
	d.POST("/versions", h.CreateVersion)
	d.GET("/versions/compare", h.CompareVersions)
	d.POST("/versions/:versionID/restore", h.RestoreVersion)
	d.POST("/versions/:versionID/tags", h.TagVersion)
}

func author(c *gin.Context) version.Author {
	return version.Author{ID: c.GetString("userId"), Name: c.GetString("username")}
}

func (h *Handler) GetDocument(c *gin.Context) {
	st, err := h.svc.State(c.Param("docID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// SubmitOperation 请求体即操作本身；作者取自鉴权结果
func (h *Handler) SubmitOperation(c *gin.Context) {
	var op operation.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	op.UserID = c.GetString("userId")
	if op.ID == "" {
		op.ID = operation.NewID()
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}

	applied, err := h.svc.Submit(c.Request.Context(), c.Param("docID"), op)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operationId": op.ID,
		"version":     applied.Version,
		"transformed": applied.Transformed,
		"operation":   applied.Operation,
	})
}

func (h *Handler) Undo(c *gin.Context) {
	h.undoRedo(c, h.svc.Undo)
}

func (h *Handler) Redo(c *gin.Context) {
	h.undoRedo(c, h.svc.Redo)
}

func (h *Handler) undoRedo(c *gin.Context, fn func(context.Context, string, string) (collab.AppliedOp, error)) {
	applied, err := fn(c.Request.Context(), c.Param("docID"), c.GetString("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": applied.Version, "operation": applied.Operation})
}

func (h *Handler) ListVersions(c *gin.Context) {
	q, err := parseHistoryQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	versions, total, err := h.svc.Versions().GetVersionHistory(c.Param("docID"), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "total": total})
}

func (h *Handler) CreateVersion(c *gin.Context) {
	var req saveVersionReq
	// 请求体可以为空
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, badRequest(err))
			return
		}
	}
	if err := req.Validate(); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	res, err := h.svc.SaveVersion(c.Request.Context(), c.Param("docID"), author(c), version.CreateOptions{
		Description: req.Description,
		Tags:        req.Tags,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) CompareVersions(c *gin.Context) {
	req := compareReq{From: c.Query("from"), To: c.Query("to")}
	if err := req.Validate(); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	diff, err := h.svc.Versions().CompareVersions(c.Param("docID"), req.From, req.To)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (h *Handler) RestoreVersion(c *gin.Context) {
	res, st, err := h.svc.RestoreVersion(c.Request.Context(), c.Param("docID"), c.Param("versionID"), author(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": res, "state": st})
}

func (h *Handler) TagVersion(c *gin.Context) {
	var req tagReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	tag, err := h.svc.Versions().TagVersion(c.Request.Context(), c.Param("docID"), c.Param("versionID"), version.Tag{
		Label:     req.Label,
		Color:     req.Color,
		CreatedBy: c.GetString("userId"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tag)
}
