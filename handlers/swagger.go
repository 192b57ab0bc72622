package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger registers Swagger/OpenAPI endpoints for the remote store API.
// - GET /swagger/index.html  -> a small HTML page that loads the OpenAPI JSON
// - GET /swagger/doc.json    -> machine-readable OpenAPI JSON
func RegisterSwagger(rg *gin.Engine) {
	rg.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, swaggerHTML)
	})

	rg.GET("/swagger/doc.json", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(swaggerJSON))
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>postsync-remote API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

// OpenAPI document for the remote store API.
const swaggerJSON = `{
  "openapi": "3.0.0",
  "info": { "title": "postsync-remote", "version": "v1.0.0" },
  "components": {
    "securitySchemes": {
      "basic": { "type": "http", "scheme": "basic" },
      "bearer": { "type": "http", "scheme": "bearer", "bearerFormat": "JWT" }
    }
  },
  "security": [ { "basic": [] }, { "bearer": [] } ],
  "paths": {
    "/": { "get": { "summary": "Store info (reachability probe)", "responses": { "200": { "description": "name, doc_count, update_seq" }, "401": { "description": "unauthorized" } } } },
    "/posts": { "get": { "summary": "List live posts", "responses": { "200": { "description": "array of posts" } } } },
    "/posts/{id}": {
      "parameters": [ { "name": "id", "in": "path", "required": true, "schema": { "type": "string" } } ],
      "get": { "summary": "Get a post", "responses": { "200": { "description": "post" }, "404": { "description": "not found" } } },
      "put": {
        "summary": "Create or update a post; updates carry the current _rev",
        "requestBody": { "content": { "application/json": { "schema": {"type":"object","properties":{"_id":{"type":"string"},"_rev":{"type":"string"},"title":{"type":"string"},"content":{"type":"string"},"attributes":{"type":"object","properties":{"creation_date":{"type":"string","format":"date-time"},"modified":{"type":"string","format":"date-time"}}}}}}}},
        "responses": { "200": { "description": "ok, id, rev" }, "400": { "description": "validation failed" }, "409": { "description": "revision conflict" } }
      },
      "delete": {
        "summary": "Delete a post at its current revision",
        "parameters": [ { "name": "rev", "in": "query", "required": true, "schema": { "type": "string" } } ],
        "responses": { "200": { "description": "deleted" }, "404": { "description": "not found" }, "409": { "description": "revision conflict" } }
      }
    },
    "/_changes": {
      "get": {
        "summary": "Change feed after a sequence",
        "parameters": [
          { "name": "since", "in": "query", "schema": { "type": "integer", "minimum": 0 } },
          { "name": "limit", "in": "query", "schema": { "type": "integer", "minimum": 1, "maximum": 1000 } }
        ],
        "responses": { "200": { "description": "results, last_seq" } }
      }
    },
    "/_revs": { "post": { "summary": "Apply replicated revisions", "requestBody": { "content": { "application/json": { "schema": {"type":"object","properties":{"docs":{"type":"array","items":{"type":"object"}}}}}}}, "responses": { "200": { "description": "applied count" } } } },
    "/_session": {
      "post": { "summary": "Exchange basic credentials for a bearer token", "responses": { "200": { "description": "token, expires_in" }, "503": { "description": "tokens not configured" } } },
      "delete": { "summary": "Revoke the bearer token of the request", "responses": { "200": { "description": "logged out" } } }
    },
    "/_snapshot": { "post": { "summary": "Upload a JSON snapshot to object storage", "responses": { "201": { "description": "key, url, count" }, "503": { "description": "object storage not configured" } } } },
    "/health": { "get": { "summary": "Liveness check", "responses": { "200": { "description": "healthy" } } } },
    "/ready": { "get": { "summary": "Readiness check", "responses": { "200": { "description": "ready" }, "503": { "description": "not ready" } } } }
  }
}`
