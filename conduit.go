// Package conduit provides a JSON-RPC 2.0 session protocol for building
// long-lived client/server integrations over pluggable transports.
//
// # Overview
//
// Conduit wraps JSON-RPC 2.0 with a small session layer: every connection
// starts with an initialize/initialized handshake that negotiates a protocol
// version and exchanges capabilities, after which requests, responses, and
// notifications flow in both directions until the session closes.
//
// # Organization
//
// The library is organized into the following main packages:
//
//   - github.com/lindenhall/conduit/protocol: wire envelopes, ids, and the
//     error taxonomy
//   - github.com/lindenhall/conduit/client: client implementation with
//     stdio, SSE, and WebSocket transports
//   - github.com/lindenhall/conduit/server: session engine, handshake state
//     machine, and method dispatch
//   - github.com/lindenhall/conduit/transport: server-side transport
//     bindings (stdio, sse, ws)
//   - github.com/lindenhall/conduit/auth: bearer-token validation for the
//     HTTP-based transports
//
// # Basic Usage
//
// ## Server Example
//
//	import (
//	  "context"
//
//	  "github.com/lindenhall/conduit/server"
//	  "github.com/lindenhall/conduit/transport/stdio"
//	  "github.com/lindenhall/conduit/types"
//	)
//
//	srv := server.NewServer("my-server")
//	srv.RegisterMethod("greeting/say", nil,
//	  func(ctx context.Context, session types.ClientSession, params interface{}) (interface{}, error) {
//	    return map[string]string{"greeting": "hello"}, nil
//	  })
//	srv.Serve(context.Background(), stdio.NewStdioTransport())
//
// ## Client Example
//
//	import "github.com/lindenhall/conduit/client"
//
//	transport := client.NewStdioTransport("my-server-binary", nil)
//	c := client.NewClient("my-client", "1.0.0", transport)
//	if err := c.Connect(context.Background()); err != nil {
//	  log.Fatal(err)
//	}
//	result, err := c.SendRequest(context.Background(), "greeting/say", nil)
package conduit

// Version is the current library version.
const Version = "0.1.0"
