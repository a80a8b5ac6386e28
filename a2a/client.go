package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PaymentsError reports a JSON-RPC level failure: an error object in
// the response or a response id that does not match the request.
type PaymentsError struct {
	Code    int
	Message string
}

func (e *PaymentsError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
	}
	return "a2a error: " + e.Message
}

// StreamProtocolError reports a malformed SSE stream. It is fatal to
// that stream only.
type StreamProtocolError struct {
	Reason string
}

func (e *StreamProtocolError) Error() string {
	return "stream protocol error: " + e.Reason
}

// PaymentsClient is a JSON-RPC 2.0 client for one remote paid agent.
// Every call carries Authorization: Bearer with an access token that is
// resolved lazily and cached until ClearToken.
type PaymentsClient struct {
	endpoint   string
	agentID    string
	planID     string
	card       *AgentCard
	httpClient *http.Client
	tokens     TokenProvider
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// Card returns the agent card fetched when the client was created.
func (c *PaymentsClient) Card() *AgentCard {
	return c.card
}

// ClearToken drops the cached access token so the next call resolves a
// fresh one.
func (c *PaymentsClient) ClearToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

func (c *PaymentsClient) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	if c.tokens == nil {
		return "", fmt.Errorf("%w: no token provider configured", ErrValidation)
	}
	token, err := c.tokens(ctx, c.planID, c.agentID)
	if err != nil {
		return "", fmt.Errorf("resolve access token: %w", err)
	}
	c.token = token
	return token, nil
}

// SendMessage calls message/send.
func (c *PaymentsClient) SendMessage(ctx context.Context, params any) (json.RawMessage, error) {
	return c.rpcCall(ctx, "message/send", params)
}

// GetTask calls tasks/get.
func (c *PaymentsClient) GetTask(ctx context.Context, params any) (json.RawMessage, error) {
	return c.rpcCall(ctx, "tasks/get", params)
}

// SetTaskPushNotificationConfig calls tasks/pushNotificationConfig/set.
func (c *PaymentsClient) SetTaskPushNotificationConfig(ctx context.Context, params any) (json.RawMessage, error) {
	return c.rpcCall(ctx, "tasks/pushNotificationConfig/set", params)
}

// GetTaskPushNotificationConfig calls tasks/pushNotificationConfig/get.
func (c *PaymentsClient) GetTaskPushNotificationConfig(ctx context.Context, params any) (json.RawMessage, error) {
	return c.rpcCall(ctx, "tasks/pushNotificationConfig/get", params)
}

// SendMessageStream calls message/stream over SSE.
func (c *PaymentsClient) SendMessageStream(ctx context.Context, params any) (iter.Seq2[json.RawMessage, error], error) {
	return c.rpcStream(ctx, "message/stream", params)
}

// ResubscribeTask calls tasks/resubscribe over SSE.
func (c *PaymentsClient) ResubscribeTask(ctx context.Context, params any) (iter.Seq2[json.RawMessage, error], error) {
	return c.rpcStream(ctx, "tasks/resubscribe", params)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorObject `json:"error"`
}

type rpcErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *rpcResponse) idString() string {
	var id string
	if err := json.Unmarshal(r.ID, &id); err != nil {
		return ""
	}
	return id
}

func (c *PaymentsClient) post(ctx context.Context, method string, params any, accept string) (*http.Response, string, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, "", err
	}

	id := uuid.NewString()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, "", fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("call %s: %w", method, err)
	}
	return resp, id, nil
}

func (c *PaymentsClient) rpcCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, id, err := c.post(ctx, method, params, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &PaymentsError{Message: fmt.Sprintf("%s returned status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, &PaymentsError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if rpcResp.idString() != id {
		return nil, &PaymentsError{Message: fmt.Sprintf("response id %q does not match request id %q", rpcResp.idString(), id)}
	}
	return rpcResp.Result, nil
}

// rpcStream opens the SSE response and yields each event's result. A
// protocol violation terminates the sequence with a non-nil error.
func (c *PaymentsClient) rpcStream(ctx context.Context, method string, params any) (iter.Seq2[json.RawMessage, error], error) {
	if c.card == nil || !c.card.Capabilities.Streaming {
		return nil, &PaymentsError{Message: "agent card does not advertise streaming capability"}
	}

	resp, id, err := c.post(ctx, method, params, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &PaymentsError{Message: fmt.Sprintf("%s returned status %d", method, resp.StatusCode)}
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		return nil, &StreamProtocolError{Reason: fmt.Sprintf("unexpected content type %q", contentType)}
	}

	return func(yield func(json.RawMessage, error) bool) {
		defer resp.Body.Close()

		err := scanEvents(resp.Body, func(data string) error {
			var event rpcResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return &StreamProtocolError{Reason: "event is not a JSON-RPC response: " + err.Error()}
			}
			if event.Error != nil {
				return &PaymentsError{Code: event.Error.Code, Message: event.Error.Message}
			}
			if event.idString() != id {
				return &PaymentsError{Message: fmt.Sprintf("event id %q does not match request id %q", event.idString(), id)}
			}
			if !yield(event.Result, nil) {
				return errStreamStopped
			}
			return nil
		})
		if err != nil && err != errStreamStopped {
			yield(nil, err)
		}
	}, nil
}
