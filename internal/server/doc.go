// Package server exposes the relay over HTTP from a single chi router.
//
// Every route shares one middleware chain of request ids, request logging,
// metrics, security headers, and CORS. The websocket endpoint authenticates
// its own handshake; the REST API sits behind the session middleware and a
// token bucket limiter.
package server
