// Package mcp binds the payments paywall to Model Context Protocol
// servers built on the official Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// A ServerManager owns an mcp.Server plus the HTTP plumbing around it:
// an echo router carrying the OAuth discovery endpoints, the request
// context middleware, and the streamable HTTP transport. Tools,
// resources, and prompts registered through the manager are wrapped with
// the verify -> handler -> settle pipeline before they reach the SDK.
//
//	manager := mcp.NewServerManager(mcp.Config{
//	    Name:    "weather",
//	    Version: "1.0.0",
//	    Paywall: paywall,
//	})
//	manager.RegisterTool(&mcpsdk.Tool{Name: "forecast"}, handler, payments.PaywallOptions{
//	    Credits: &payments.CreditsOption{Fixed: big.NewInt(2)},
//	})
//	if err := manager.Start(ctx, mcp.StartConfig{Port: 3000}); err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Stop(context.Background())
//
// Registration is legal only before Start; afterwards it reports a
// -32002 misconfiguration error. Errors on the RPC plane always travel
// as jsonrpc.Error values, never as HTTP status codes.
package mcp
