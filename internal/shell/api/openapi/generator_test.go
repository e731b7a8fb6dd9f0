package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleForm struct {
	Blob []byte `json:"blob" format:"binary" doc:"payload bytes"`
	Name string `json:"name"`
}

type sampleReply struct {
	Items map[string]string `json:"items"`
}

func TestGenerate_RegistersComponents(t *testing.T) {
	g := NewGenerator(Info{Title: "test", Version: "1", Servers: []string{"http://localhost"}})
	g.Register(Operation{
		ID:          "upload",
		Method:      http.MethodPost,
		Path:        "/upload/{name}",
		PathParams:  []string{"name"},
		Request:     sampleForm{},
		FormRequest: true,
		Responses:   map[int]interface{}{http.StatusOK: sampleReply{}, http.StatusNoContent: nil},
	})

	spec := g.Generate()
	assert.Equal(t, "test", spec.Info.Title)
	require.Len(t, spec.Servers, 1)

	item := spec.Paths.Value("/upload/{name}")
	require.NotNil(t, item)
	require.NotNil(t, item.Post)
	assert.Equal(t, "upload", item.Post.OperationID)
	require.Len(t, item.Post.Parameters, 1)

	media := item.Post.RequestBody.Value.Content["multipart/form-data"]
	require.NotNil(t, media)
	assert.Equal(t, "#/components/schemas/sampleForm", media.Schema.Ref)

	form := spec.Components.Schemas["sampleForm"]
	require.NotNil(t, form)
	blob := form.Value.Properties["blob"]
	require.NotNil(t, blob)
	assert.Equal(t, "binary", blob.Value.Format)
	assert.Equal(t, "payload bytes", blob.Value.Description)

	assert.NotNil(t, item.Post.Responses.Value("200"))
	assert.NotNil(t, item.Post.Responses.Value("204"))
}

func TestGenerate_Cached(t *testing.T) {
	g := NewGenerator(DefaultInfo())
	first := g.Generate()
	assert.Same(t, first, g.Generate())

	g.Register(Operation{ID: "x", Method: http.MethodGet, Path: "/x"})
	assert.NotSame(t, first, g.Generate())
}

func TestHandler_ServesJSON(t *testing.T) {
	g := NewGenerator(DefaultInfo())
	g.Register(Operation{ID: "health", Method: http.MethodGet, Path: "/health"})

	rec := httptest.NewRecorder()
	g.Handler()(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
}
