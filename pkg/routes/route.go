package routes

import "net/http"

// Route binds an HTTP method and pattern to a handler. Middleware wraps
// only this route, inside any group middleware.
type Route struct {
	Method     string
	Pattern    string
	Handler    http.HandlerFunc
	Middleware []func(http.Handler) http.Handler
}

func (r Route) handler() http.Handler {
	return wrap(r.Handler, r.Middleware)
}
