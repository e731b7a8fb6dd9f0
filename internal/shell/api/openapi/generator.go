// Package openapi builds an OpenAPI 3.0 document for the gateway routes by
// reflecting on their request and response types.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"
)

// =============================================================================
// Generator
// =============================================================================

// Info is the document metadata.
type Info struct {
	Title       string
	Version     string
	Description string
	Servers     []string
}

// DefaultInfo describes the gateway.
func DefaultInfo() Info {
	return Info{
		Title:       "piccore gateway",
		Version:     "dev",
		Description: "Canister registry and deployment gateway for a local PocketIC emulator",
	}
}

// Operation describes one route.
type Operation struct {
	ID          string
	Method      string // http.MethodGet, http.MethodPost
	Path        string // chi-style path, e.g. "/api/history/{name}"
	Summary     string
	Tag         string
	PathParams  []string
	QueryParams []string

	// Request is a zero value of the body type. FormRequest marks it as a
	// multipart form; fields tagged format:"binary" become file parts.
	Request     interface{}
	FormRequest bool

	// Responses maps status codes to a zero value of the body type.
	Responses map[int]interface{}
}

// Generator builds an OpenAPI 3.0 document from registered operations.
// The document is rebuilt lazily after each Register.
type Generator struct {
	info Info

	mu  sync.Mutex
	ops []Operation
	doc *openapi3.T
}

// NewGenerator returns a generator for the given metadata.
func NewGenerator(info Info) *Generator {
	return &Generator{info: info}
}

// Register adds an operation.
func (g *Generator) Register(op Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, op)
	g.doc = nil
}

// Generate returns the current document.
func (g *Generator) Generate() *openapi3.T {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.doc == nil {
		g.doc = g.build()
	}
	return g.doc
}

func (g *Generator) build() *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.info.Title,
			Version:     g.info.Version,
			Description: g.info.Description,
		},
		Paths:      openapi3.NewPaths(),
		Components: &openapi3.Components{Schemas: openapi3.Schemas{}},
	}
	for _, url := range g.info.Servers {
		doc.AddServer(&openapi3.Server{URL: url})
	}

	for _, op := range g.ops {
		item := doc.Paths.Value(op.Path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(op.Path, item)
		}
		item.SetOperation(op.Method, g.buildOperation(doc, op))
	}
	return doc
}

// Handler serves the document as JSON.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(g.Generate())
		if err != nil {
			http.Error(w, "openapi document unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = w.Write(body)
	}
}

// =============================================================================
// Operations
// =============================================================================

func (g *Generator) buildOperation(doc *openapi3.T, op Operation) *openapi3.Operation {
	out := &openapi3.Operation{
		OperationID: op.ID,
		Summary:     op.Summary,
		Responses:   &openapi3.Responses{},
	}
	if op.Tag != "" {
		out.Tags = []string{op.Tag}
	}

	for _, name := range op.PathParams {
		out.Parameters = append(out.Parameters, &openapi3.ParameterRef{
			Value: openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema()),
		})
	}
	for _, name := range op.QueryParams {
		out.Parameters = append(out.Parameters, &openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter(name).WithSchema(openapi3.NewStringSchema()),
		})
	}

	if op.Request != nil {
		contentType := "application/json"
		if op.FormRequest {
			contentType = "multipart/form-data"
		}
		body := openapi3.NewRequestBody().WithRequired(true).
			WithSchemaRef(g.componentRef(doc, op.Request), []string{contentType})
		out.RequestBody = &openapi3.RequestBodyRef{Value: body}
	}

	statuses := make([]int, 0, len(op.Responses))
	for status := range op.Responses {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)

	for _, status := range statuses {
		resp := openapi3.NewResponse().WithDescription(http.StatusText(status))
		if body := op.Responses[status]; body != nil {
			resp = resp.WithJSONSchemaRef(g.componentRef(doc, body))
		}
		out.Responses.Set(strconv.Itoa(status), &openapi3.ResponseRef{Value: resp})
	}

	return out
}

// componentRef registers named struct types as components and returns a
// reference. Unnamed types (maps, slices) are inlined.
func (g *Generator) componentRef(doc *openapi3.T, model interface{}) *openapi3.SchemaRef {
	ref, err := openapi3gen.NewSchemaRefForValue(model, doc.Components.Schemas,
		openapi3gen.UseAllExportedFields(),
		openapi3gen.SchemaCustomizer(customizeField),
	)
	if err != nil {
		return &openapi3.SchemaRef{Value: openapi3.NewObjectSchema()}
	}

	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return ref
	}

	name := t.Name()
	if _, ok := doc.Components.Schemas[name]; !ok {
		doc.Components.Schemas[name] = ref
	}
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

// customizeField applies the format and doc struct tags.
func customizeField(name string, t reflect.Type, tag reflect.StructTag, schema *openapi3.Schema) error {
	if tag.Get("format") == "binary" {
		schema.Type = &openapi3.Types{"string"}
		schema.Format = "binary"
		schema.Items = nil
	}
	if doc := tag.Get("doc"); doc != "" {
		schema.Description = doc
	}
	return nil
}
