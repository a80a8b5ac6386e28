// Package gin adapts the x402 payment middleware to gin routers. It
// shares the route table and header conventions with the net/http
// middleware and buffers the handler response so settlement can commit
// the payment-response header before any body bytes reach the client.
package gin

import (
	"bytes"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nevermined-io/payments-go/facilitator"
	x402http "github.com/nevermined-io/payments-go/http"
	"github.com/nevermined-io/payments-go/types"
)

// PaymentMiddleware builds a gin middleware from the shared config.
// Requests not matching any configured route pass through untouched.
func PaymentMiddleware(cfg x402http.Config) (gin.HandlerFunc, error) {
	router, err := x402http.NewRouter(cfg.Routes)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bearerHeaders := cfg.BearerHeaders
	if len(bearerHeaders) == 0 {
		bearerHeaders = []string{x402http.HeaderPaymentSignature, "Authorization"}
	}

	return func(c *gin.Context) {
		route, params, ok := router.Match(c.Request)
		if !ok {
			c.Next()
			return
		}

		challenge := cfg.Facilitator.ChallengeForPlan(c.Request.Context(), route.PlanID, facilitator.ChallengeOptions{
			Endpoint:    requestURL(c.Request),
			Description: route.Description,
			AgentID:     route.AgentID,
			HTTPVerb:    c.Request.Method,
			Network:     route.Network,
			Scheme:      route.Scheme,
		})

		bearer := bearerToken(c, bearerHeaders)
		if bearer == "" {
			abortWithChallenge(c, logger, challenge, "payment required", "missing payment-signature header")
			return
		}

		credits := route.Credits
		if route.CreditsFunc != nil {
			credits = route.CreditsFunc(c.Request)
		}
		if credits == nil {
			credits = big.NewInt(1)
		}

		verify, err := cfg.Facilitator.VerifyPermissions(c.Request.Context(), facilitator.VerifyParams{
			PaymentRequired: challenge,
			AccessToken:     bearer,
			MaxAmount:       credits,
		})
		if err != nil {
			paymentError(c, cfg, logger, err)
			abortWithChallenge(c, logger, challenge, "payment verification failed", err.Error())
			return
		}
		if !verify.IsValid {
			reason := verify.InvalidReason
			if reason == "" {
				reason = "payment rejected"
			}
			abortWithChallenge(c, logger, challenge, "payment required", reason)
			return
		}

		pc := &x402http.PaymentContext{
			PlanID:         route.PlanID,
			AccessToken:    bearer,
			Credits:        credits,
			Payer:          verify.Payer,
			AgentRequestID: verify.AgentRequestID,
			AgentRequest:   verify.AgentRequest,
			RouteParams:    params,
		}
		c.Request = c.Request.WithContext(x402http.WithPayment(c.Request.Context(), pc))

		// Buffer the handler output so the settlement header can be set
		// before the response is committed.
		writer := &responseWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}, statusCode: http.StatusOK}
		c.Writer = writer

		c.Next()

		c.Writer = writer.ResponseWriter
		if c.IsAborted() {
			replay(c, writer)
			return
		}

		if writer.statusCode < http.StatusBadRequest {
			result, err := cfg.Facilitator.SettlePermissions(c.Request.Context(), facilitator.SettleParams{
				PaymentRequired: challenge,
				AccessToken:     bearer,
				MaxAmount:       credits,
				AgentRequestID:  pc.AgentRequestID,
			})
			if err != nil {
				paymentError(c, cfg, logger, err)
			} else {
				if !result.Success {
					logger.Warn("settlement rejected",
						"path", c.Request.URL.Path,
						"planId", route.PlanID,
						"reason", result.ErrorReason)
				}
				if encoded, err := types.EncodeHeader(result); err == nil {
					c.Header(x402http.HeaderPaymentResponse, encoded)
				} else {
					logger.Error("failed to encode payment-response header", "error", err)
				}
			}
		}
		replay(c, writer)
	}, nil
}

func replay(c *gin.Context, writer *responseWriter) {
	c.Writer.WriteHeader(writer.statusCode)
	c.Writer.Write(writer.body.Bytes())
}

func bearerToken(c *gin.Context, headers []string) string {
	for _, name := range headers {
		if value := c.GetHeader(name); value != "" {
			return strings.TrimPrefix(value, "Bearer ")
		}
	}
	return ""
}

func paymentError(c *gin.Context, cfg x402http.Config, logger *slog.Logger, err error) {
	logger.Warn("facilitator call failed", "path", c.Request.URL.Path, "error", err)
	if cfg.OnPaymentError != nil {
		cfg.OnPaymentError(c.Request, err)
	}
}

func abortWithChallenge(c *gin.Context, logger *slog.Logger, challenge types.PaymentRequired, errText, message string) {
	encoded, err := types.EncodeHeader(challenge)
	if err != nil {
		logger.Error("failed to encode payment-required header", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Header(x402http.HeaderPaymentRequired, encoded)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":   errText,
		"message": message,
	})
}

// responseWriter captures the handler response for later replay.
type responseWriter struct {
	gin.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

func requestURL(r *http.Request) string {
	proto := r.Header.Get("x-forwarded-proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	return proto + "://" + r.Host + r.URL.RequestURI()
}
