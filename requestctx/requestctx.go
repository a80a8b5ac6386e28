// Package requestctx propagates inbound HTTP request metadata to code
// running deeper in the call stack, such as paywall handlers dispatched
// by the MCP SDK. The association lives in the request's context.Context
// and ends with the request.
package requestctx

import (
	"context"
	"net/http"
	"strings"
)

// RequestContext captures the transport-level facts of one inbound
// request. Header keys are lower-cased.
type RequestContext struct {
	Headers map[string]string
	Method  string
	URL     string
}

// Header returns a header value by case-insensitive name.
func (rc *RequestContext) Header(name string) string {
	if rc == nil || rc.Headers == nil {
		return ""
	}
	return rc.Headers[strings.ToLower(name)]
}

type contextKey struct{}

// With associates rc with the context.
func With(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// From retrieves the request context installed by With, if any.
func From(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(*RequestContext)
	return rc, ok
}

// Middleware installs a RequestContext for every inbound request before
// the next handler runs. The Host header is recorded explicitly since
// net/http strips it from the header map.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := make(map[string]string, len(r.Header)+1)
		for name, values := range r.Header {
			if len(values) > 0 {
				headers[strings.ToLower(name)] = values[0]
			}
		}
		if r.Host != "" {
			headers["host"] = r.Host
		}

		rc := &RequestContext{
			Headers: headers,
			Method:  r.Method,
			URL:     r.URL.RequestURI(),
		}
		next.ServeHTTP(w, r.WithContext(With(r.Context(), rc)))
	})
}
