package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/collab"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

type apiResp struct {
	Code int
	Body map[string]any
}

func newTestAPI(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	vm := version.NewManager(version.Options{})
	m := collab.NewManager(vm, collab.Options{}, collab.WithLogger(zerolog.Nop()))
	t.Cleanup(func() {
		m.Close()
		vm.Close()
	})
	_, err := m.Open(context.Background(), "trip", map[string]any{"title": "Hello", "days": []any{}}, version.Author{ID: "u1", Name: "Alice"})
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set("userId", "u1")
		c.Set("username", "Alice")
		c.Next()
	})
	New(m, zerolog.Nop()).Register(v1)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) apiResp {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := apiResp{Code: w.Code}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out.Body), w.Body.String())
	return out
}

func TestGetDocument(t *testing.T) {
	r := newTestAPI(t)

	res := do(t, r, http.MethodGet, "/v1/documents/trip", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, float64(1), res.Body["version"])
	assert.Equal(t, "Hello", res.Body["data"].(map[string]any)["title"])

	res = do(t, r, http.MethodGet, "/v1/documents/missing", "")
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "DOCUMENT_NOT_ACTIVE", res.Body["code"])
}

func TestSubmitOperation(t *testing.T) {
	r := newTestAPI(t)

	res := do(t, r, http.MethodPost, "/v1/documents/trip/operations",
		`{"type":"text-insert","path":["title"],"baseVersion":1,"data":{"position":5,"text":"!"}}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, float64(2), res.Body["version"])
	assert.Equal(t, false, res.Body["transformed"])
	assert.Equal(t, "u1", res.Body["operation"].(map[string]any)["userId"])

	// 基于旧版本提交，服务端做变换
	res = do(t, r, http.MethodPost, "/v1/documents/trip/operations",
		`{"type":"text-insert","path":["title"],"baseVersion":1,"data":{"position":0,"text":">"}}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, true, res.Body["transformed"])

	st := do(t, r, http.MethodGet, "/v1/documents/trip", "")
	assert.Equal(t, ">Hello!", st.Body["data"].(map[string]any)["title"])

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"ahead of server", `{"type":"text-insert","path":["title"],"baseVersion":9,"data":{"position":0,"text":"x"}}`, http.StatusConflict, "revision_conflict"},
		{"structural", `{"type":"object-delete","path":[],"data":{"key":"nope"}}`, http.StatusUnprocessableEntity, "structural"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := do(t, r, http.MethodPost, "/v1/documents/trip/operations", tc.body)
			assert.Equal(t, tc.status, res.Code)
			assert.Equal(t, tc.code, res.Body["code"])
		})
	}
}

func TestUndoRedo(t *testing.T) {
	r := newTestAPI(t)

	res := do(t, r, http.MethodPost, "/v1/documents/trip/undo", "")
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "NOTHING_TO_UNDO", res.Body["code"])

	do(t, r, http.MethodPost, "/v1/documents/trip/operations",
		`{"type":"object-set","path":[],"data":{"key":"currency","value":"JPY"}}`)

	res = do(t, r, http.MethodPost, "/v1/documents/trip/undo", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, float64(3), res.Body["version"])
	st := do(t, r, http.MethodGet, "/v1/documents/trip", "")
	assert.NotContains(t, st.Body["data"], "currency")

	res = do(t, r, http.MethodPost, "/v1/documents/trip/redo", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, float64(4), res.Body["version"])

	res = do(t, r, http.MethodPost, "/v1/documents/trip/redo", "")
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "NOTHING_TO_REDO", res.Body["code"])
}

func TestVersionEndpoints(t *testing.T) {
	r := newTestAPI(t)

	do(t, r, http.MethodPost, "/v1/documents/trip/operations",
		`{"type":"object-set","path":[],"data":{"key":"title","value":"Kyoto"}}`)
	created := do(t, r, http.MethodPost, "/v1/documents/trip/versions", `{"description":"renamed","tags":["Draft"]}`)
	require.Equal(t, http.StatusCreated, created.Code, created.Body)
	assert.Equal(t, float64(2), created.Body["version"])
	v2 := created.Body["versionId"].(string)

	list := do(t, r, http.MethodGet, "/v1/documents/trip/versions", "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, float64(2), list.Body["total"])
	versions := list.Body["versions"].([]any)
	require.Len(t, versions, 2)
	// 新版本在前
	assert.Equal(t, v2, versions[0].(map[string]any)["id"])
	v1 := versions[1].(map[string]any)["id"].(string)

	tagged := do(t, r, http.MethodGet, "/v1/documents/trip/versions?tags=Draft,Other&author=u1", "")
	assert.Equal(t, float64(1), tagged.Body["total"])
	paged := do(t, r, http.MethodGet, "/v1/documents/trip/versions?offset=1&limit=1", "")
	assert.Equal(t, float64(2), paged.Body["total"])
	assert.Len(t, paged.Body["versions"], 1)

	for _, q := range []string{"?limit=1000", "?offset=-1", "?from=yesterday", "?limit=x"} {
		res := do(t, r, http.MethodGet, "/v1/documents/trip/versions"+q, "")
		assert.Equal(t, http.StatusBadRequest, res.Code, q)
	}

	diff := do(t, r, http.MethodGet, "/v1/documents/trip/versions/compare?from="+v1+"&to="+v2, "")
	require.Equal(t, http.StatusOK, diff.Code)
	changes := diff.Body["changes"].([]any)
	require.Len(t, changes, 1)
	assert.Equal(t, "modified", changes[0].(map[string]any)["type"])

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/v1/documents/trip/versions/compare?from="+v1, "").Code)
	missing := do(t, r, http.MethodGet, "/v1/documents/trip/versions/compare?from="+v1+"&to=nope", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "VERSION_NOT_FOUND", missing.Body["code"])

	tag := do(t, r, http.MethodPost, "/v1/documents/trip/versions/"+v2+"/tags", `{"label":"Final","color":"#00f"}`)
	require.Equal(t, http.StatusCreated, tag.Code)
	assert.Equal(t, "u1", tag.Body["createdBy"])
	dup := do(t, r, http.MethodPost, "/v1/documents/trip/versions/"+v2+"/tags", `{"label":"Final"}`)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "TAG_ALREADY_EXISTS", dup.Body["code"])
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/documents/trip/versions/"+v2+"/tags", `{"label":""}`).Code)

	restored := do(t, r, http.MethodPost, "/v1/documents/trip/versions/"+v1+"/restore", "")
	require.Equal(t, http.StatusOK, restored.Code, restored.Body)
	assert.Equal(t, float64(3), restored.Body["version"].(map[string]any)["version"])
	assert.Equal(t, "Hello", restored.Body["state"].(map[string]any)["data"].(map[string]any)["title"])

	st := do(t, r, http.MethodGet, "/v1/documents/trip", "")
	assert.Equal(t, "Hello", st.Body["data"].(map[string]any)["title"])

	gone := do(t, r, http.MethodPost, "/v1/documents/trip/versions/nope/restore", "")
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestStatusOfUnknownError(t *testing.T) {
	status, code := statusOf(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", code)
}
