// Package middleware provides HTTP middleware and the ordered stack that
// modules compose them with.
package middleware

import "net/http"

// Func wraps a handler with cross-cutting behavior.
type Func = func(http.Handler) http.Handler

// System manages an ordered stack of HTTP middleware. The first middleware
// registered is the outermost wrapper.
type System interface {
	Use(mw ...Func)
	Apply(handler http.Handler) http.Handler
}

type stack struct {
	fns []Func
}

// New creates an empty middleware System.
func New() System {
	return &stack{}
}

func (s *stack) Use(mw ...Func) {
	for _, fn := range mw {
		if fn != nil {
			s.fns = append(s.fns, fn)
		}
	}
}

func (s *stack) Apply(handler http.Handler) http.Handler {
	for i := len(s.fns) - 1; i >= 0; i-- {
		handler = s.fns[i](handler)
	}
	return handler
}
