package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidToken indicates an access token that cannot be decoded.
var ErrInvalidToken = errors.New("invalid access token")

// TokenAuthorization holds the signer identity embedded in a token.
type TokenAuthorization struct {
	From string `json:"from,omitempty"`
}

// TokenPayload is the structured portion of the token claims.
type TokenPayload struct {
	Authorization TokenAuthorization `json:"authorization"`
}

// AccessToken is the decoded form of an x402 access token. Signature and
// SessionKeys are opaque pass-through material; the facilitator is the
// only party that interprets them.
type AccessToken struct {
	AcceptedPlanID string          `json:"acceptedPlanId,omitempty"`
	Scheme         string          `json:"scheme,omitempty"`
	Network        string          `json:"network,omitempty"`
	Payload        TokenPayload    `json:"payload"`
	Signature      json.RawMessage `json:"signature,omitempty"`
	SessionKeys    json.RawMessage `json:"sessionKeys,omitempty"`
}

// DecodeAccessToken parses a three-segment base64url token. The middle
// segment carries the JSON claims. Signatures are not checked here; that
// is the facilitator's job.
func DecodeAccessToken(token string) (*AccessToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrInvalidToken, len(parts))
	}

	claims, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	var decoded AccessToken
	if err := json.Unmarshal(claims, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	return &decoded, nil
}

// decodeSegment accepts base64url with or without padding.
func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(segment, "="))
}

// Subscriber returns the checksummed subscriber address, or "" when the
// token does not carry a valid hex address.
func (t *AccessToken) Subscriber() string {
	from := t.Payload.Authorization.From
	if !common.IsHexAddress(from) {
		return ""
	}
	return common.HexToAddress(from).Hex()
}

// Usable reports whether the token resolves both a plan and a subscriber.
func (t *AccessToken) Usable() bool {
	return t.AcceptedPlanID != "" && t.Subscriber() != ""
}
