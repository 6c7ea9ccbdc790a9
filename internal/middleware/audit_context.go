// Package middleware provides Gin middleware that host applications mount so audit records
// carry the request they originated from.
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/apex-audit/apex-audit/internal/audit"
)

const (
	// RequestIDHeader is the canonical HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID string is stored.
	RequestIDKey = "request_id"

	// maxCapturedBody caps how much of a JSON body is decoded into request params.
	maxCapturedBody = 64 << 10
)

// ActorResolver returns the identity of the authenticated caller, or false for anonymous
// requests. It runs after the host's authentication middleware.
type ActorResolver func(c *gin.Context) (audit.Actor, bool)

// ContextActor reads the "user_id" and "scopes" keys that authentication middleware
// stores on the gin.Context.
func ContextActor(c *gin.Context) (audit.Actor, bool) {
	id := c.GetString("user_id")
	if id == "" {
		return audit.Actor{}, false
	}
	return audit.Actor{ID: id, Scopes: c.GetStringSlice("scopes")}, true
}

// AuditContext returns middleware that copies the request id, route, method, url, client ip,
// user agent and request params into the request context, along with the actor when
// resolve finds one. Handlers pass c.Request.Context() to the observer so every record
// produced while serving the request carries this metadata.
//
// An inbound X-Request-ID is reused; otherwise a UUID is generated. The id is echoed in
// the response header and added to the record tags as "request_id:<id>".
//
// Register it after authentication:
//
//	router.Use(authMiddleware)
//	router.Use(middleware.AuditContext(middleware.ContextActor))
func AuditContext(resolve ActorResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		info := audit.RequestInfo{
			Route:     c.FullPath(),
			Method:    c.Request.Method,
			URL:       c.Request.URL.String(),
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Params:    requestParams(c),
			Tags:      []string{"request_id:" + id},
		}
		ctx := audit.WithRequest(c.Request.Context(), info)
		if resolve != nil {
			if actor, ok := resolve(c); ok {
				ctx = audit.WithActor(ctx, actor)
			}
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// requestParams merges path, query, form and JSON body parameters. Later sources win.
// Values are recorded as given; the recorder redacts sensitive keys.
func requestParams(c *gin.Context) map[string]any {
	params := make(map[string]any)
	for _, p := range c.Params {
		params[p.Key] = p.Value
	}
	for k, v := range c.Request.URL.Query() {
		params[k] = flatten(v)
	}

	if c.Request.Body == nil || c.Request.Method == http.MethodGet {
		return params
	}
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := c.Request.ParseMultipartForm(32 << 20); err != nil && err != http.ErrNotMultipart {
			return params
		}
		for k, v := range c.Request.PostForm {
			params[k] = flatten(v)
		}
	case "application/json":
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCapturedBody+1))
		rest := c.Request.Body
		c.Request.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), rest), rest}
		if err != nil || len(body) > maxCapturedBody {
			return params
		}
		var fields map[string]any
		if json.Unmarshal(body, &fields) == nil {
			for k, v := range fields {
				params[k] = v
			}
		}
	}
	return params
}

func flatten(values []string) any {
	if len(values) == 1 {
		return values[0]
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
