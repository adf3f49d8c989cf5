package api

import (
	"fmt"

	"github.com/mattjoyce/conduit/internal/workflow"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one execute operation
// per stored workflow.
func buildOpenAPIDoc(wfs []*workflow.Workflow) map[string]any {
	paths := map[string]any{}

	for _, wf := range wfs {
		paths[fmt.Sprintf("/workflows/%s/execute", wf.ID)] = map[string]any{
			"post": buildExecuteOperation(wf),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Conduit",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func buildExecuteOperation(wf *workflow.Workflow) map[string]any {
	summary := wf.Name
	if summary == "" {
		summary = wf.ID
	}
	op := map[string]any{
		"operationId": "execute__" + wf.ID,
		"summary":     summary,
		"tags":        []string{"workflows"},
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"input": map[string]any{},
							"nodes": map[string]any{"type": "array"},
							"edges": map[string]any{"type": "array"},
						},
					},
				},
			},
		},
		"responses": map[string]any{
			"202": map[string]any{"description": "Run dispatched"},
			"200": map[string]any{"description": "Workflow disabled, nothing ran"},
			"404": map[string]any{"description": "Workflow not found"},
			"403": map[string]any{"description": "Insufficient scope"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
	if wf.IsDisabled {
		op["deprecated"] = true
	}
	return op
}
