// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Key identifies a session model of type T. At most one model of each key
// exists in a session.
type Key[T any] struct {
	name string
}

// KeyOf returns the key of the model type T, named after the fully-qualified
// name of T (e.g. "github.com/org/app/auth.ActiveUser").
func KeyOf[T any]() Key[T] {
	return Key[T]{name: typeName(reflect.TypeOf((*T)(nil)).Elem())}
}

// NamedKey returns the key of the model type T with given name. Use it to keep
// stored sessions readable after renaming or moving T.
func NamedKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the name that the model is stored under.
func (k Key[T]) Name() string {
	return k.name
}

// typeName returns the fully-qualified name of given type, with pointers
// dereferenced.
func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// entry is a model in the registry of a session.
type entry struct {
	raw     []byte      // The encoded model as loaded, decoded on first access
	model   interface{} // The live model, always a pointer
	removed bool        // Whether the model has been explicitly removed
}

// registry maps model names to their entries. A missing name means the model
// was never touched.
type registry map[string]*entry

// lookup returns the live model of given key, decoding it if it was loaded but
// not accessed yet. Models that fail to decode are discarded.
func lookup[T any](c *Container, key Key[T]) (*T, bool) {
	e, ok := c.models[key.name]
	if !ok || e.removed {
		return nil, false
	}

	if e.model == nil {
		m := new(T)
		err := json.Unmarshal(e.raw, m)
		if err != nil {
			c.logger.Warn("Discarding corrupt session model", "name", key.name, "err", err)
			delete(c.models, key.name)
			return nil, false
		}
		e.model = m
		e.raw = nil
	}

	m, ok := e.model.(*T)
	if !ok {
		panic(fmt.Sprintf("stately: model %q is %T, not %T", key.name, e.model, m))
	}
	return m, true
}

// Get returns the model of given key in the session. A model that does not
// exist or has been removed is created with its zero value.
func Get[T any](c *Container, key Key[T]) *T {
	m, ok := lookup(c, key)
	if ok {
		return m
	}

	m = new(T)
	c.models[key.name] = &entry{model: m}
	return m
}

// Lookup returns the model of given key in the session, and false if it does
// not exist or has been removed. It never creates a model.
func Lookup[T any](c *Container, key Key[T]) (*T, bool) {
	return lookup(c, key)
}

// Update calls fn with the model of given key, creating it when needed, and
// returns what fn returns.
func Update[T, R any](c *Container, key Key[T], fn func(*T) R) R {
	return fn(Get(c, key))
}

// Update2 is like Update but for two models.
func Update2[A, B, R any](c *Container, ka Key[A], kb Key[B], fn func(*A, *B) R) R {
	return fn(Get(c, ka), Get(c, kb))
}

// Update3 is like Update but for three models.
func Update3[A, B, C, R any](c *Container, ka Key[A], kb Key[B], kc Key[C], fn func(*A, *B, *C) R) R {
	return fn(Get(c, ka), Get(c, kb), Get(c, kc))
}

// UpdateOptional calls fn with the model of given key, or nil if the model
// does not exist or has been removed, and returns what fn returns.
func UpdateOptional[T, R any](c *Container, key Key[T], fn func(*T) R) R {
	m, _ := lookup(c, key)
	return fn(m)
}
