package mcp

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// registerDiscovery mounts the OAuth discovery plane MCP clients probe
// before connecting: RFC 8414 authorization-server metadata, RFC 9728
// protected-resource metadata, the OpenID configuration alias, and an
// RFC 7591 dynamic registration endpoint. All of it is stateless; the
// registration endpoint just echoes the client metadata back with a
// generated client id.
func (m *ServerManager) registerDiscovery(e *echo.Echo) {
	e.GET("/.well-known/oauth-authorization-server", m.authorizationServerMetadata)
	e.GET("/.well-known/openid-configuration", m.authorizationServerMetadata)
	e.GET("/.well-known/oauth-protected-resource", m.protectedResourceMetadata)
	e.POST("/register", m.registerClient)
	e.GET("/health", m.health)
	e.GET("/", m.root)
}

func baseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

func (m *ServerManager) authorizationServerMetadata(c echo.Context) error {
	base := baseURL(c)
	return c.JSON(http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"registration_endpoint":                 base + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported":                      []string{"mcp"},
	})
}

func (m *ServerManager) protectedResourceMetadata(c echo.Context) error {
	base := baseURL(c)
	return c.JSON(http.StatusOK, map[string]any{
		"resource":                 base + "/mcp",
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
		"resource_name":            m.name,
	})
}

func (m *ServerManager) registerClient(c echo.Context) error {
	metadata := map[string]any{}
	if err := c.Bind(&metadata); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":             "invalid_client_metadata",
			"error_description": "request body is not a JSON object",
		})
	}
	metadata["client_id"] = uuid.NewString()
	metadata["client_id_issued_at"] = time.Now().Unix()
	return c.JSON(http.StatusCreated, metadata)
}

func (m *ServerManager) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"name":     m.name,
		"state":    m.State().String(),
		"sessions": m.sessions.Active(),
	})
}

func (m *ServerManager) root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name":      m.name,
		"transport": "streamable-http",
		"endpoint":  "/mcp",
	})
}
