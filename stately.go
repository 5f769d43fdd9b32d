// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/flamego/flamego"
)

// Options contains options for the stately.Stately middleware.
type Options struct {
	// Initer is the initialization function of the session storage. Default is
	// stately.MemoryIniter.
	Initer Initer
	// Config is the configuration object to be passed to the Initer for the
	// session storage.
	Config interface{}
	// Container is the configuration of session containers.
	Container Config
	// ErrorFunc is the function used to report errors of committing sessions.
	// Default is to log errors with the logger of the container configuration.
	ErrorFunc func(err error)
}

// Stately returns a middleware handler that injects a *stately.Container into
// the request context, which is used for accessing session models.
//
// The container is committed right before the response header is written, or
// after all handlers if nothing has been written. Changes made to session
// models after the response header has been written are not persisted.
func Stately(opts ...Options) flamego.Handler {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	parseOptions := func(opts Options) Options {
		if opts.Initer == nil {
			opts.Initer = MemoryIniter()
		}

		if opts.ErrorFunc == nil {
			logger := opts.Container.Logger
			if logger == nil {
				logger = log.Default()
			}
			opts.ErrorFunc = func(err error) {
				logger.Error("Failed to commit session", "err", err)
			}
		}
		return opts
	}

	opt = parseOptions(opt)
	ctx := context.Background()

	// Fail early on misconfiguration rather than on the first request.
	_, err := parseConfig(opt.Container)
	if err != nil {
		panic("stately: " + err.Error())
	}

	storage, err := opt.Initer(ctx, opt.Config)
	if err != nil {
		panic("stately: " + err.Error())
	}

	return flamego.ContextInvoker(func(c flamego.Context) {
		r := c.Request().Request
		container, err := New(r.Context(), r, storage, opt.Container)
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				c.ResponseWriter().WriteHeader(http.StatusServiceUnavailable)
				return
			}
			panic("stately: new: " + err.Error())
		}

		committed := false
		commit := func(w http.ResponseWriter) {
			if committed {
				return
			}
			committed = true

			resp, err := container.Commit(r.Context(), Headers{})
			if err != nil {
				opt.ErrorFunc(err)
				return
			}
			for key, values := range resp.(Headers).Header() {
				for _, v := range values {
					w.Header().Add(key, v)
				}
			}
		}

		// Release the slot when a later handler panics, the panic carries on.
		done := false
		defer func() {
			if done {
				return
			}
			committed = true
			if err := container.Discard(r.Context()); err != nil {
				opt.ErrorFunc(err)
			}
		}()

		c.ResponseWriter().Before(func(w flamego.ResponseWriter) {
			commit(w)
		})
		c.Map(container)
		c.Next()
		done = true
		commit(c.ResponseWriter())
	})
}
