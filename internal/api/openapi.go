package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status API.
func buildOpenAPIDoc(secured bool) map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": operation("healthz", "Server liveness", false, map[string]any{
				"200": map[string]any{"description": "Server is up"},
			}),
		},
		"/invocations": map[string]any{
			"get": withParams(operation("listInvocations", "Recent invocations, newest first", secured, map[string]any{
				"200": map[string]any{"description": "Invocation list"},
				"400": map[string]any{"description": "Bad limit"},
			}),
				queryParam("limit", "integer", "Maximum records to return (1-500)"),
				queryParam("mode", "string", "Only invocations of this mode (r, t, c, u)"),
			),
		},
		"/invocations/{id}": map[string]any{
			"get": withParams(operation("getInvocation", "One invocation with its artifacts", secured, map[string]any{
				"200": map[string]any{"description": "Invocation"},
				"404": map[string]any{"description": "Unknown invocation"},
			}),
				map[string]any{"name": "id", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
			),
		},
		"/events": map[string]any{
			"get": operation("events", "Server-sent invocation events", secured, map[string]any{
				"200": map[string]any{
					"description": "Event stream",
					"content":     map[string]any{"text/event-stream": map[string]any{}},
				},
			}),
		},
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "peng status API",
			"version": "1.0",
		},
		"paths": paths,
	}
	if secured {
		doc["components"] = map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		}
	}
	return doc
}

func operation(id, summary string, secured bool, responses map[string]any) map[string]any {
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   responses,
	}
	if secured {
		op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		responses["401"] = map[string]any{"description": "Missing or invalid token"}
	}
	return op
}

func withParams(op map[string]any, params ...map[string]any) map[string]any {
	list := make([]any, 0, len(params))
	for _, p := range params {
		list = append(list, p)
	}
	op["parameters"] = list
	return op
}

func queryParam(name, typ, desc string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "query",
		"description": desc,
		"schema":      map[string]any{"type": typ},
	}
}
