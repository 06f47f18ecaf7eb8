package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

const (
	maxTagLabelLength    = 64
	maxDescriptionLength = 512
	maxHistoryLimit      = 200
)

type saveVersionReq struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (r *saveVersionReq) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Description, validation.Length(0, maxDescriptionLength)),
		validation.Field(&r.Tags, validation.Each(validation.Required, validation.Length(1, maxTagLabelLength))),
	)
}

type tagReq struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

func (r *tagReq) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Label, validation.Required, validation.Length(1, maxTagLabelLength)),
		validation.Field(&r.Color, validation.Length(0, 32)),
	)
}

type compareReq struct {
	From string
	To   string
}

func (r *compareReq) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.From, validation.Required),
		validation.Field(&r.To, validation.Required),
	)
}

type historyReq struct {
	Author string
	From   string
	To     string
	Tags   string
	Offset int
	Limit  int
}

func (r *historyReq) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.From, validation.Date(time.RFC3339)),
		validation.Field(&r.To, validation.Date(time.RFC3339)),
		validation.Field(&r.Offset, validation.Min(0)),
		validation.Field(&r.Limit, validation.Min(0), validation.Max(maxHistoryLimit)),
	)
}

// parseHistoryQuery 读取 author/from/to/tags/offset/limit
func parseHistoryQuery(c *gin.Context) (version.HistoryQuery, error) {
	req := historyReq{
		Author: c.Query("author"),
		From:   c.Query("from"),
		To:     c.Query("to"),
		Tags:   c.Query("tags"),
	}
	var err error
	if s := c.Query("offset"); s != "" {
		if req.Offset, err = strconv.Atoi(s); err != nil {
			return version.HistoryQuery{}, badRequest(err)
		}
	}
	if s := c.Query("limit"); s != "" {
		if req.Limit, err = strconv.Atoi(s); err != nil {
			return version.HistoryQuery{}, badRequest(err)
		}
	}
	if err := req.Validate(); err != nil {
		return version.HistoryQuery{}, badRequest(err)
	}

	q := version.HistoryQuery{AuthorID: req.Author, Offset: req.Offset, Limit: req.Limit}
	if req.From != "" {
		q.From, _ = time.Parse(time.RFC3339, req.From)
	}
	if req.To != "" {
		q.To, _ = time.Parse(time.RFC3339, req.To)
	}
	for _, t := range strings.Split(req.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			q.Tags = append(q.Tags, t)
		}
	}
	return q, nil
}
