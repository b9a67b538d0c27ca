package proxy

import (
	"errors"
	"net/http"
	"sync"

	uuid "github.com/satori/go.uuid"
)

// RequestCtx is the per-transaction state threaded through the HTTP Request
// Pipeline (spec §4.6 "Request Context"). It wraps the Flow already carried
// by the addon hooks, exposing the fields user middleware reads or mutates.
type RequestCtx struct {
	Flow    *Flow
	Request *http.Request // the raw inbound request, for stages that need the wire form
}

// Middleware observes or rewrites a RequestCtx and controls whether the
// pipeline continues by calling next. Not calling next short-circuits the
// remaining chain, matching spec §4.6: "may short-circuit by not calling
// next".
type Middleware func(ctx *RequestCtx, next func() error) error

// ErrNextCalledTwice is returned when a middleware invokes next more than
// once for the same request.
var ErrNextCalledTwice = errors.New("proxy: middleware called next more than once")

// compose chains middleware bottom (mws[0], client-facing) to top
// (mws[len-1], network-facing), per spec §4.8. Each stage's next is guarded
// so a second call returns ErrNextCalledTwice instead of re-entering the
// chain, matching the teacher's single-invocation-per-handler addon
// iteration style (proxy/internal/addonregistry: one pass over Get()).
func compose(mws ...Middleware) Middleware {
	if len(mws) == 0 {
		return func(*RequestCtx, func() error) error { return nil }
	}
	return func(ctx *RequestCtx, next func() error) error {
		var run func(i int) error
		run = func(i int) error {
			if i == len(mws) {
				return next()
			}
			called := false
			return mws[i](ctx, func() error {
				if called {
					return ErrNextCalledTwice
				}
				called = true
				return run(i + 1)
			})
		}
		return run(0)
	}
}

// Use registers one or more user middleware to run in the pipeline's
// user-supplied stage (spec §4.6 stage 4), between the built-in
// client-proxy/summary stages and the built-in gunzip/server-proxy/
// server-end stages. It is implemented as an addon pair so it composes
// with the teacher's addon-hook sequence, but next() genuinely resumes
// the built-in stages rather than returning immediately: Requestheaders
// and Response are two calls into the same addon, on the same Attack()
// goroutine but at different points in its lifecycle, so middlewareAddon
// bridges them with a per-flow rendezvous (see middlewareCall). A
// middleware that never calls next short-circuits by setting
// ctx.Flow.Response itself, the addon-model equivalent of "not calling
// next" (Attacker.handleRequestAddons stops at the first addon that does
// so).
func (p *Proxy) Use(mws ...Middleware) {
	p.AddAddon(&middlewareAddon{mw: compose(mws...)})
}

// middlewareCall is the rendezvous between the goroutine running the
// composed user middleware and the two addon hooks (Requestheaders,
// Response) that drive it forward from Attack()'s own goroutine.
//
//   - proceed closes when the middleware calls next(), meaning its
//     request-phase code is done and Attack() may dial upstream.
//   - resumed closes when the Response hook fires, meaning f.Response is
//     populated and the middleware's next() may return.
//   - done closes when the composed middleware call returns entirely,
//     meaning any post-next() rewrite of f.Response is finished.
type middlewareCall struct {
	proceed chan struct{}
	resumed chan struct{}
	done    chan struct{}
}

type middlewareAddon struct {
	BaseAddon
	mw Middleware

	mu      sync.Mutex
	pending map[uuid.UUID]*middlewareCall
}

func (a *middlewareAddon) Requestheaders(f *Flow) {
	ctx := &RequestCtx{Flow: f, Request: f.Request.Raw()}
	call := &middlewareCall{
		proceed: make(chan struct{}),
		resumed: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go func() {
		_ = a.mw(ctx, func() error {
			close(call.proceed)
			<-call.resumed
			return nil
		})
		close(call.done)
	}()

	select {
	case <-call.proceed:
		// The middleware called next(): register the call so Response
		// can resume it once the upstream round trip has happened.
		a.mu.Lock()
		if a.pending == nil {
			a.pending = make(map[uuid.UUID]*middlewareCall)
		}
		a.pending[f.ID] = call
		a.mu.Unlock()
	case <-call.done:
		// The middleware short-circuited without calling next(); it
		// must have set ctx.Flow.Response itself. Nothing to resume.
	}
}

func (a *middlewareAddon) Response(f *Flow) {
	a.mu.Lock()
	call, ok := a.pending[f.ID]
	if ok {
		delete(a.pending, f.ID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	close(call.resumed)
	<-call.done
}
