// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"net/http"
)

// Request is the incoming request the session ID is read from. It is
// implemented by *http.Request.
type Request interface {
	// Cookie returns the named cookie, or http.ErrNoCookie if not found.
	Cookie(name string) (*http.Cookie, error)
}

// Response is an immutable outgoing response.
type Response interface {
	// WithAddedHeader returns a new response with the value added to the header
	// of given key. The receiver is left unchanged.
	WithAddedHeader(key, value string) Response
}

var _ Response = Headers{}

// Headers is a Response that consists of response headers only. It is a value
// type, adding a header always copies.
type Headers struct {
	header http.Header
}

// NewHeaders returns a new Headers with a copy of given header.
func NewHeaders(header http.Header) Headers {
	return Headers{header: header.Clone()}
}

func (h Headers) WithAddedHeader(key, value string) Response {
	header := h.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Add(key, value)
	return Headers{header: header}
}

// Header returns a copy of the headers.
func (h Headers) Header() http.Header {
	return h.header.Clone()
}

// CookieOptions contains options for setting the session cookie.
type CookieOptions struct {
	// Path is the Path attribute of the cookie. Default is "/".
	Path string
	// Domain is the Domain attribute of the cookie. Default is not set.
	Domain string
	// MaxAge is the MaxAge attribute of the cookie. Default is not set.
	MaxAge int
	// Secure specifies whether to set Secure for the cookie.
	Secure bool
	// HTTPOnly specifies whether to set HTTPOnly for the cookie.
	HTTPOnly bool
	// SameSite is the SameSite attribute of the cookie. Default is not set.
	SameSite http.SameSite
}

// cookie returns the Set-Cookie header value for given name and session ID.
func (opts CookieOptions) cookie(name, sid string) string {
	return (&http.Cookie{
		Name:     name,
		Value:    sid,
		Path:     opts.Path,
		Domain:   opts.Domain,
		MaxAge:   opts.MaxAge,
		Secure:   opts.Secure,
		HttpOnly: opts.HTTPOnly,
		SameSite: opts.SameSite,
	}).String()
}
