package gateway

import "net/http"

// openAPIDoc is the hand-maintained API document served when swagger is
// enabled. Schemas cover the request/response shapes the core owns.
const openAPIDoc = `{
  "openapi": "3.0.3",
  "info": {"title": "Control Plane API", "version": "v1"},
  "paths": {
    "/v1/jobs": {
      "post": {"summary": "Submit a job", "responses": {"202": {"description": "Job accepted"}, "400": {"description": "Empty action or targets"}, "401": {"description": "Unauthorized"}}},
      "get": {"summary": "List jobs", "parameters": [{"name": "limit", "in": "query", "schema": {"type": "integer", "minimum": 1, "maximum": 500, "default": 50}}], "responses": {"200": {"description": "Jobs newest-first"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/jobs/{id}": {
      "get": {"summary": "Get a job with its tasks", "responses": {"200": {"description": "Job and tasks"}, "404": {"description": "Unknown job"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/jobs/{id}/cancel": {
      "post": {"summary": "Cancel a job", "responses": {"200": {"description": "Canceled"}, "404": {"description": "Unknown job"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/jobs/{id}/events": {
      "get": {"summary": "Stream job events (SSE)", "responses": {"200": {"description": "text/event-stream"}, "404": {"description": "Unknown job"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/sessions/events": {
      "get": {"summary": "Stream session events (SSE)", "parameters": [{"name": "accountName", "in": "query", "schema": {"type": "string"}}], "responses": {"200": {"description": "text/event-stream"}, "401": {"description": "Unauthorized"}}},
      "post": {"summary": "Publish a session event", "responses": {"200": {"description": "Published"}, "400": {"description": "Missing accountName"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/auth/challenges/events": {
      "get": {"summary": "Stream auth challenges (SSE)", "parameters": [{"name": "accountName", "in": "query", "schema": {"type": "string"}}], "responses": {"200": {"description": "text/event-stream"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/auth/challenges/{accountName}/code": {
      "post": {"summary": "Submit a challenge code", "responses": {"200": {"description": "Accepted"}, "400": {"description": "Missing code"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/agents": {
      "get": {"summary": "List connected agents", "responses": {"200": {"description": "Agents sorted by region then id"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/agent/ws": {
      "get": {"summary": "Agent tunnel upgrade", "parameters": [{"name": "agentId", "in": "query", "required": true, "schema": {"type": "string"}}, {"name": "region", "in": "query", "required": true, "schema": {"type": "string"}}], "responses": {"101": {"description": "Switching protocols"}, "400": {"description": "Missing params or not upgradable"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/config": {
      "get": {"summary": "Active config fingerprint", "responses": {"200": {"description": "Fingerprint and hot-reload state"}, "401": {"description": "Unauthorized"}}}
    },
    "/v1/store/backup": {
      "post": {"summary": "Write an online store snapshot", "responses": {"200": {"description": "Snapshot written"}, "400": {"description": "Bad path"}, "401": {"description": "Unauthorized"}}}
    },
    "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
    "/metrics": {"get": {"summary": "Prometheus metrics", "responses": {"200": {"description": "text exposition"}}}}
  }
}`

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPIDoc))
}
