package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeHeader serializes v as base64(JSON) for the x402 payment headers
// (payment-required, payment-response).
func EncodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader reverses EncodeHeader into v. URL-safe base64 is accepted
// as well, since some clients encode that way.
func DecodeHeader(encoded string, v any) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("invalid base64 header value: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON header value: %w", err)
	}
	return nil
}
