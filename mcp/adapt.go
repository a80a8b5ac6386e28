package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	payments "github.com/nevermined-io/payments-go"
)

// RegisterTool wraps the handler with the paywall and adds it to the
// server. Legal only while Idle.
func (m *ServerManager) RegisterTool(tool *mcp.Tool, handler payments.Handler, opts payments.PaywallOptions) error {
	if err := m.requireIdle("tool " + tool.Name); err != nil {
		return err
	}
	opts.Kind = payments.KindTool
	if opts.Name == "" {
		opts.Name = tool.Name
	}
	wrapped := m.paywall.Wrap(handler, opts)

	mcp.AddTool(m.server, tool, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		out, err := wrapped(ctx, args, requestExtra(req, req.Params.GetMeta()), nil)
		if err != nil {
			return nil, nil, rpcError(err)
		}
		payload := drain(out)
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
		result := &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
			StructuredContent: payload,
		}
		if meta, ok := payload["_meta"].(map[string]any); ok {
			result.Meta = meta
		}
		return result, nil, nil
	})
	return nil
}

// RegisterResource wraps the handler with the paywall and adds it to
// the server. URIs containing "{" register as templates. Legal only
// while Idle.
func (m *ServerManager) RegisterResource(resource *mcp.Resource, handler payments.Handler, opts payments.PaywallOptions) error {
	if err := m.requireIdle("resource " + resource.Name); err != nil {
		return err
	}
	opts.Kind = payments.KindResource
	if opts.Name == "" {
		opts.Name = resource.Name
	}
	wrapped := m.paywall.Wrap(handler, opts)

	adapter := func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		uri := req.Params.URI
		extra := requestExtra(req, req.Params.GetMeta())
		if extra.Meta == nil {
			extra.Meta = map[string]any{}
		}
		extra.Meta["uri"] = uri

		out, err := wrapped(ctx, resourceArgs(uri), extra, nil)
		if err != nil {
			return nil, rpcError(err)
		}
		payload := drain(out)
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		result := &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			}},
		}
		if meta, ok := payload["_meta"].(map[string]any); ok {
			result.Meta = meta
		}
		return result, nil
	}

	if strings.Contains(resource.URI, "{") {
		m.server.AddResourceTemplate(&mcp.ResourceTemplate{
			URITemplate: resource.URI,
			Name:        resource.Name,
			Description: resource.Description,
			MIMEType:    resource.MIMEType,
		}, adapter)
		return nil
	}
	m.server.AddResource(resource, adapter)
	return nil
}

// RegisterPrompt wraps the handler with the paywall and adds it to the
// server. Legal only while Idle.
func (m *ServerManager) RegisterPrompt(prompt *mcp.Prompt, handler payments.Handler, opts payments.PaywallOptions) error {
	if err := m.requireIdle("prompt " + prompt.Name); err != nil {
		return err
	}
	opts.Kind = payments.KindPrompt
	if opts.Name == "" {
		opts.Name = prompt.Name
	}
	wrapped := m.paywall.Wrap(handler, opts)

	m.server.AddPrompt(prompt, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]any, len(req.Params.Arguments))
		for key, value := range req.Params.Arguments {
			args[key] = value
		}
		out, err := wrapped(ctx, args, requestExtra(req, req.Params.GetMeta()), nil)
		if err != nil {
			return nil, rpcError(err)
		}
		payload := drain(out)
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		result := &mcp.GetPromptResult{
			Messages: []*mcp.PromptMessage{{
				Role:    "user",
				Content: &mcp.TextContent{Text: string(data)},
			}},
		}
		if meta, ok := payload["_meta"].(map[string]any); ok {
			result.Meta = meta
		}
		return result, nil
	})
	return nil
}

// requestExtra lifts the SDK's transport envelope into the shape the
// engine expects: HTTP headers plus the request _meta object.
func requestExtra(req mcp.Request, meta map[string]any) *payments.RequestExtra {
	extra := &payments.RequestExtra{Meta: meta}
	if re := req.GetExtra(); re != nil {
		extra.Header = re.Header
	}
	return extra
}

// resourceArgs extracts the query parameters of a resource URI. They
// feed pricing functions and the logical URL of the call.
func resourceArgs(uri string) map[string]any {
	parsed, err := url.Parse(uri)
	if err != nil {
		return map[string]any{}
	}
	query := parsed.Query()
	args := make(map[string]any, len(query))
	for key, values := range query {
		if len(values) > 0 {
			args[key] = values[0]
		}
	}
	return args
}

// drain materializes a handler output for the request/response RPC
// plane. Streams are collected into a chunks array with the trailing
// settlement metadata lifted out to _meta.
func drain(out payments.HandlerOutput) map[string]any {
	if !out.IsStream() {
		if value := out.Value(); value != nil {
			return value
		}
		return map[string]any{}
	}

	payload := map[string]any{}
	chunks := make([]any, 0, 8)
	for chunk := range out.Stream() {
		if obj, ok := chunk.(map[string]any); ok && len(obj) == 1 {
			if meta, ok := obj["_meta"]; ok {
				payload["_meta"] = meta
				continue
			}
		}
		chunks = append(chunks, chunk)
	}
	payload["chunks"] = chunks
	return payload
}

// rpcError converts engine errors to jsonrpc errors so the SDK emits
// the agreed codes instead of wrapping them as internal faults.
func rpcError(err error) error {
	var rpc *payments.RPCError
	if !errors.As(err, &rpc) {
		return err
	}
	converted := &jsonrpc.Error{Code: int64(rpc.Code), Message: rpc.Message}
	if rpc.Data != nil {
		if data, merr := json.Marshal(rpc.Data); merr == nil {
			converted.Data = data
		}
	}
	return converted
}
