package payments

import "fmt"

// JSON-RPC error codes used on the MCP plane. The x402 HTTP middleware
// maps the payment-required condition to status 402 instead.
const (
	CodeMisconfiguration = -32002
	CodePaymentRequired  = -32003
	CodeInvalidParams    = -32602
)

// RPCError is the single error value surfaced across the JSON-RPC plane.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Misconfiguration reports a server-side configuration fault (-32002).
func Misconfiguration(message string) *RPCError {
	return &RPCError{Code: CodeMisconfiguration, Message: message}
}

// PaymentRequiredError reports a missing or rejected payment (-32003).
// reason is "missing" or "invalid" and travels in data.reason.
func PaymentRequiredError(message, reason string) *RPCError {
	return &RPCError{
		Code:    CodePaymentRequired,
		Message: message,
		Data:    map[string]any{"reason": reason},
	}
}

// InvalidParams reports malformed request parameters (-32602).
func InvalidParams(message string) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: message}
}
