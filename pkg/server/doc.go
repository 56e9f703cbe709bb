// Package server is the request-processing engine: it schedules each HTTP
// request on a bounded worker pool and resolves it through a fixed routing
// pipeline.
//
// # Pipeline
//
// Resolve evaluates the route kinds in this order and stops at the first
// one that handles the request:
//
//  1. Passthroughs (delegate to another Server, e.g. by host)
//  2. OnRequest / OnRequestPost hooks (may close the request)
//  3. Conditional routes, first registered first matched
//  4. Exact-path routes (case- and trailing-slash-insensitive)
//  5. Controller operations
//  6. Static files
//  7. WebSocket mounts
//  8. OnDefaultRequest, or 404
//
// Every request is closed exactly once when its worker finishes, unless a
// handler called DisableAutoClose and took over the response.
//
// # Controllers
//
// Operations are declared, not discovered:
//
//	srv.RegisterController("/api/users", []server.Operation{{
//	    Name:   "get",
//	    Params: []server.Param{server.ParamOf[int]("id")},
//	    Handler: func(c *server.Call) (any, error) {
//	        return users.Find(server.Arg[int](c, "id"))
//	    },
//	}}, server.WithEnvelope())
//
// A request to /api/users/get?id=7 binds id, runs the handler and writes
// {"success":true,"result":{...}}. Errors are written as
// {"success":false,"exception":{"type":...,"message":...,"stackTrace":...}}.
//
// # WebSockets
//
// RegisterWebSocket mounts a SocketHandler factory. Each upgraded
// connection becomes a Session with its own read and write goroutines;
// sessions join the mount's ClientRegistry for broadcast and leave it
// exactly once when they terminate.
package server
