// Package middleware provides the two request stages of the dev server:
// Assets, which serves the latest successful build from the compiler's
// output filesystem, and Hot, which pushes build events to browsers over
// server-sent events or a websocket.
//
// Both implement Middleware, a callback-style handler that either
// finishes the request or passes it on by calling next.
package middleware
