// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"reflect"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// GCPolicy decides how often and how aggressively a commit collects expired
// sessions. Garbage collection runs at the end of Commit with a chance of
// Probability/Divisor.
type GCPolicy struct {
	// MaxLifetime is the age after which an untouched session is collected.
	MaxLifetime time.Duration
	// Probability is the numerator of the chance to collect on a commit.
	Probability int
	// Divisor is the denominator of the chance to collect on a commit.
	Divisor int
}

// DefaultGCPolicy is used when Config.GC is left as its zero value.
var DefaultGCPolicy = GCPolicy{
	MaxLifetime: 1440 * time.Second,
	Probability: 1,
	Divisor:     100,
}

// RangeError is returned when a configuration value is out of its range.
type RangeError struct {
	Field  string
	Value  int64
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s (%d) %s", e.Field, e.Value, e.Reason)
}

// validate returns a *RangeError if the policy is out of range.
func (p GCPolicy) validate() error {
	switch {
	case p.MaxLifetime < 0:
		return &RangeError{Field: "GC.MaxLifetime", Value: int64(p.MaxLifetime), Reason: "must not be negative"}
	case p.Divisor < 1:
		return &RangeError{Field: "GC.Divisor", Value: int64(p.Divisor), Reason: "must be greater than or equal to 1"}
	case p.Probability < 1:
		return &RangeError{Field: "GC.Probability", Value: int64(p.Probability), Reason: "must be greater than or equal to 1"}
	case p.Probability > p.Divisor:
		return &RangeError{
			Field:  "GC.Probability",
			Value:  int64(p.Probability),
			Reason: fmt.Sprintf("must be less than or equal to GC.Divisor (%d)", p.Divisor),
		}
	}
	return nil
}

// Config contains options for a session container.
type Config struct {
	// For tests only
	randFunc func(n int) int

	// CookieName is the name of the session cookie. Default is "SESSION".
	CookieName string
	// Cookie is a set of options for the session cookie. Default is Path "/" with
	// HttpOnly.
	Cookie CookieOptions
	// GC is the garbage collection policy. Default is DefaultGCPolicy.
	GC GCPolicy
	// IDFunc generates IDs of new sessions. Default is NewID.
	IDFunc IDFunc
	// Encoder is the encoder to encode session data. Default is GobEncoder.
	Encoder Encoder
	// Decoder is the decoder to decode session data. Default is GobDecoder.
	Decoder Decoder
	// Logger is used to report recovered failures. Default is log.Default().
	Logger *log.Logger
}

// parseConfig fills defaults of given config and validates it.
func parseConfig(cfg Config) (Config, error) {
	if cfg.randFunc == nil {
		cfg.randFunc = rand.IntN
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "SESSION"
	}
	if reflect.DeepEqual(cfg.Cookie, CookieOptions{}) {
		cfg.Cookie = CookieOptions{
			HTTPOnly: true,
		}
	}
	if cfg.Cookie.Path == "" {
		cfg.Cookie.Path = "/"
	}
	if cfg.GC == (GCPolicy{}) {
		cfg.GC = DefaultGCPolicy
	}
	if cfg.IDFunc == nil {
		cfg.IDFunc = NewID
	}
	if cfg.Encoder == nil {
		cfg.Encoder = GobEncoder
	}
	if cfg.Decoder == nil {
		cfg.Decoder = GobDecoder
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return cfg, cfg.GC.validate()
}

// Container holds the session models of a single request. It is not safe for
// concurrent use and must be committed exactly once.
type Container struct {
	storage  Storage          // The storage of session data
	cookie   string           // The name of the session cookie
	cookieOp CookieOptions    // The options of the session cookie
	gc       GCPolicy         // The garbage collection policy
	idFunc   IDFunc           // The function to generate new session IDs
	encoder  Encoder          // The encoder to encode session data
	logger   *log.Logger      // The logger for recovered failures
	randFunc func(n int) int  // The function to draw GC samples

	sid       string   // The established session ID, empty for no session
	loadedID  string   // The session ID locked by Load, empty if not loaded
	loaded    []byte   // The data returned by Load
	models    registry // The session models
	committed bool     // Whether the container has been committed
}

// New returns a new session container for the request. If the request carries
// the session cookie, the session slot is locked and loaded from the storage,
// and the container must be committed to release the lock.
//
// It returns a *RangeError if the GC policy of the config is out of range.
func New(ctx context.Context, r Request, storage Storage, cfg Config) (*Container, error) {
	cfg, err := parseConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Container{
		storage:  storage,
		cookie:   cfg.CookieName,
		cookieOp: cfg.Cookie,
		gc:       cfg.GC,
		idFunc:   cfg.IDFunc,
		encoder:  cfg.Encoder,
		logger:   cfg.Logger,
		randFunc: cfg.randFunc,
		models:   make(registry),
	}

	if r == nil {
		return c, nil
	}
	cookie, err := r.Cookie(c.cookie)
	if err != nil || !isValidID(cookie.Value) {
		return c, nil
	}

	binary, err := storage.Load(ctx, cookie.Value)
	if err != nil {
		return nil, errors.Wrap(err, "load")
	}
	c.loadedID = cookie.Value
	c.loaded = binary

	if len(binary) > 0 {
		c.sid = cookie.Value
		c.models = decodeRegistry(binary, cfg.Decoder, c.logger)
	}
	return c, nil
}

// decodeRegistry decodes binary to a registry. Corrupt data yields an empty
// registry.
func decodeRegistry(binary []byte, decoder Decoder, logger *log.Logger) registry {
	data, err := decoder(binary)
	if err != nil {
		logger.Warn("Discarding corrupt session data", "err", err)
		return make(registry)
	}

	models := make(registry, len(data))
	for name, raw := range data {
		models[name] = &entry{raw: raw}
	}
	return models
}

// encode encodes the live models. It returns nil if there is no model.
func (c *Container) encode() ([]byte, error) {
	data := make(Data, len(c.models))
	for name, e := range c.models {
		switch {
		case e.removed:
		case e.model != nil:
			raw, err := json.Marshal(e.model)
			if err != nil {
				return nil, errors.Wrapf(err, "marshal %q", name)
			}
			data[name] = raw
		default:
			data[name] = e.raw
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return c.encoder(data)
}

// ID returns the session ID, or an empty string if there is no session yet.
func (c *Container) ID() string {
	return c.sid
}

// Remove removes a model from the session. The model can be given as a Key,
// a model name, or a model instance. A removed model is treated as absent by
// UpdateOptional and Lookup for the rest of the request.
func (c *Container) Remove(model interface{}) {
	c.models[c.nameOf(model)] = &entry{removed: true}
}

// nameOf resolves the model name of given key, name or instance.
func (c *Container) nameOf(model interface{}) string {
	switch v := model.(type) {
	case interface{ Name() string }:
		return v.Name()
	case string:
		return v
	}

	t := reflect.TypeOf(model)
	if t == nil {
		panic("stately: cannot remove a nil model")
	} else if t.Kind() != reflect.Ptr {
		t = reflect.PointerTo(t)
	}
	for name, e := range c.models {
		if e.model != nil && reflect.TypeOf(e.model) == t {
			return name
		}
	}
	return typeName(t)
}

// Clear removes all models from the session. Unlike Remove, models may be
// recreated freely afterwards.
func (c *Container) Clear() {
	c.models = make(registry)
}

// Commit persists the session models and releases the session slot lock. If a
// new session has been created, the session cookie is added to the returned
// response. The given response is returned as-is when there is nothing to
// persist.
//
// Commit may collect garbage of the storage afterwards, according to the GC
// policy. Failures of garbage collection are logged and not returned.
func (c *Container) Commit(ctx context.Context, resp Response) (Response, error) {
	if c.committed {
		return resp, ErrCommitted
	}
	c.committed = true

	resp, err := c.persist(ctx, resp)
	if err != nil {
		return resp, err
	}

	if c.randFunc(c.gc.Divisor)+1 <= c.gc.Probability {
		err = c.storage.GC(ctx, c.gc.MaxLifetime)
		if err != nil {
			c.logger.Error("Failed to collect garbage", "err", err)
		}
	}
	return resp, nil
}

// Discard releases the session slot lock without persisting any change, the
// loaded data is kept as-is. It is used when a request is abandoned, e.g. its
// handler panicked. Discard does nothing once the container is committed.
func (c *Container) Discard(ctx context.Context) error {
	if c.committed {
		return nil
	}
	c.committed = true

	if c.loadedID == "" {
		return nil
	}
	err := c.storage.Store(ctx, c.loadedID, c.loaded, c.gc.MaxLifetime)
	if err != nil {
		return errors.Wrap(err, "release")
	}
	return nil
}

// persist writes the session data to the storage.
func (c *Container) persist(ctx context.Context, resp Response) (Response, error) {
	binary, err := c.encode()
	if err != nil {
		if c.loadedID != "" {
			if rerr := c.storage.Store(ctx, c.loadedID, c.loaded, c.gc.MaxLifetime); rerr != nil {
				return resp, errors.Wrapf(err, "encode (release: %v)", rerr)
			}
		}
		return resp, errors.Wrap(err, "encode")
	}

	switch {
	case c.sid != "":
		err = c.storage.Store(ctx, c.sid, binary, c.gc.MaxLifetime)
		if err != nil {
			return resp, errors.Wrap(err, "store")
		}
		return resp, nil

	case len(binary) == 0:
		// The cookie pointed to an empty slot, it only needs to be unlocked.
		if c.loadedID != "" {
			err = c.storage.Store(ctx, c.loadedID, nil, c.gc.MaxLifetime)
			if err != nil {
				return resp, errors.Wrap(err, "release")
			}
		}
		return resp, nil
	}

	if c.loadedID != "" {
		err = c.storage.Store(ctx, c.loadedID, nil, c.gc.MaxLifetime)
		if err != nil {
			return resp, errors.Wrap(err, "release")
		}
	}

	sid, err := c.idFunc()
	if err != nil {
		return resp, errors.Wrap(err, "new ID")
	} else if !isValidID(sid) {
		return resp, errors.Errorf("malformed session ID %q", sid)
	}

	_, err = c.storage.Load(ctx, sid)
	if err != nil {
		return resp, errors.Wrap(err, "load new session")
	}
	err = c.storage.Store(ctx, sid, binary, c.gc.MaxLifetime)
	if err != nil {
		return resp, errors.Wrap(err, "store")
	}

	c.sid = sid
	return resp.WithAddedHeader("Set-Cookie", c.cookieOp.cookie(c.cookie, sid)), nil
}
