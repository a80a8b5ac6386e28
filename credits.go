package payments

import "math/big"

// CreditsRequest describes the request being priced.
type CreditsRequest struct {
	AuthHeader string
	LogicalURL string
	ToolName   string
}

// CreditsContext is handed to dynamic credit functions. Result is nil
// when pricing runs before the handler (fixed credits) or when the
// handler streamed its output.
type CreditsContext struct {
	Args    map[string]any
	Result  map[string]any
	Request CreditsRequest
}

// CreditsFunc computes a non-negative credit cost for one call.
type CreditsFunc func(ctx CreditsContext) (*big.Int, error)

// CreditsOption selects fixed or dynamic pricing. When both fields are
// set, Fn wins.
type CreditsOption struct {
	Fixed *big.Int
	Fn    CreditsFunc
}

// defaultCredits is charged when no pricing option is configured.
var defaultCredits = big.NewInt(1)

// resolveCredits computes the credit cost for a call. A negative result
// from a dynamic function is a contract violation and reported as a
// misconfiguration.
func resolveCredits(option *CreditsOption, args, result map[string]any, auth *AuthResult, toolName string) (*big.Int, error) {
	if option == nil || (option.Fixed == nil && option.Fn == nil) {
		return defaultCredits, nil
	}

	if option.Fn == nil {
		if option.Fixed.Sign() < 0 {
			return nil, Misconfiguration("fixed credits must be non-negative")
		}
		return option.Fixed, nil
	}

	credits, err := option.Fn(CreditsContext{
		Args:   args,
		Result: result,
		Request: CreditsRequest{
			AuthHeader: auth.RawToken,
			LogicalURL: auth.LogicalURL,
			ToolName:   toolName,
		},
	})
	if err != nil {
		return nil, Misconfiguration("credits function failed: " + err.Error())
	}
	if credits == nil || credits.Sign() < 0 {
		return nil, Misconfiguration("credits function must return a non-negative integer")
	}
	return credits, nil
}
