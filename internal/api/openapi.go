package api

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/imgdispatch/imgdispatch/internal/route"
)

// BuildOpenAPI describes the route table as an OpenAPI 3 document, served at
// /openapi.json so clients can discover which operations exist.
func BuildOpenAPI(t *route.Table, version string) *openapi3.T {
	if version == "" {
		version = "dev"
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "imgdispatch",
			Description: "Runs image-processing executables and reports where their output is written.",
			Version:     version,
		},
		Paths: openapi3.NewPaths(),
	}

	html := openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{route.ContentType})

	for _, s := range t.Specs() {
		op := openapi3.NewOperation()
		op.OperationID = s.Name
		op.Summary = fmt.Sprintf("Run %s to %s", s.Name, s.Description)
		op.Description = "Responds with an HTML page. On success the last line holds a JSON object " +
			"with the expected artifact path; on failure it holds a failure notice instead. " +
			"The status code is 200 in both cases."
		op.Responses = openapi3.NewResponses(
			openapi3.WithStatus(200, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().
					WithDescription(s.Heading).
					WithContent(html),
			}),
		)
		doc.Paths.Set(s.Path, &openapi3.PathItem{Get: op})
	}

	health := openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema()).
		WithProperty("routes", openapi3.NewIntegerSchema()).
		WithProperty("uptime_seconds", openapi3.NewIntegerSchema())
	healthOp := openapi3.NewOperation()
	healthOp.OperationID = "health"
	healthOp.Summary = "Liveness check"
	healthOp.Responses = openapi3.NewResponses(
		openapi3.WithStatus(200, &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Server is up").
				WithJSONSchema(health),
		}),
	)
	doc.Paths.Set("/healthz", &openapi3.PathItem{Get: healthOp})

	return doc
}
