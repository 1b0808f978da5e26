package middleware

import "net/http"

// Middleware handles a request or passes it on. A middleware finishes a
// request by writing a response (and optionally calling End) or passes
// control to the following stage by calling next. It must not write after
// calling next.
type Middleware interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, next func())
}

// Func adapts an ordinary function to Middleware.
type Func func(w http.ResponseWriter, r *http.Request, next func())

func (f Func) ServeHTTP(w http.ResponseWriter, r *http.Request, next func()) {
	f(w, r, next)
}

// Ender is implemented by response writers that let a middleware mark the
// response complete before it returns.
type Ender interface {
	End()
}

// End marks the response complete when w supports it.
func End(w http.ResponseWriter) {
	if e, ok := w.(Ender); ok {
		e.End()
	}
}
