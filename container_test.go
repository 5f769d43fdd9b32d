// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type activeUser struct {
	UserID int `json:"user_id"`
}

type cart struct {
	Items []string `json:"items"`
}

var (
	userKey = KeyOf[activeUser]()
	cartKey = KeyOf[cart]()
)

// testConfig returns a container config that never collects garbage.
func testConfig() Config {
	return Config{
		randFunc: func(int) int { return 1 },
		GC: GCPolicy{
			MaxLifetime: time.Hour,
			Probability: 1,
			Divisor:     2,
		},
		Logger: log.New(&bytes.Buffer{}),
	}
}

func newTestRequest(sid string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if sid != "" {
		r.AddCookie(&http.Cookie{Name: "SESSION", Value: sid})
	}
	return r
}

var cookiePattern = regexp.MustCompile(`^SESSION=([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}); Path=/; HttpOnly$`)

// commitNew commits the container and returns the ID in the Set-Cookie header.
func commitNew(t *testing.T, c *Container) string {
	resp, err := c.Commit(context.Background(), Headers{})
	require.NoError(t, err)

	cookies := resp.(Headers).Header().Values("Set-Cookie")
	require.Len(t, cookies, 1)
	m := cookiePattern.FindStringSubmatch(cookies[0])
	require.NotNil(t, m, cookies[0])
	return m[1]
}

func TestContainer_NoCookie(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	c, err := New(ctx, newTestRequest(""), storage, testConfig())
	require.NoError(t, err)
	assert.Empty(t, c.ID())

	resp := NewHeaders(http.Header{"X-Test": {"1"}})
	got, err := c.Commit(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
	assert.Empty(t, storage.index)

	_, err = c.Commit(ctx, resp)
	assert.ErrorIs(t, err, ErrCommitted)
}

func TestContainer_NilRequest(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	c, err := New(ctx, nil, storage, testConfig())
	require.NoError(t, err)
	Get(c, userKey).UserID = 1
	sid := commitNew(t, c)
	assert.Contains(t, storage.index, sid)
}

func TestContainer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{LockTimeout: 50 * time.Millisecond})

	c, err := New(ctx, newTestRequest(""), storage, testConfig())
	require.NoError(t, err)
	Update(c, userKey, func(u *activeUser) struct{} {
		u.UserID = 123
		return struct{}{}
	})
	sid := commitNew(t, c)
	assert.Equal(t, sid, c.ID())

	data, err := GobDecoder(storage.index[sid].data)
	require.NoError(t, err)
	assert.Equal(t, Data{userKey.Name(): []byte(`{"user_id":123}`)}, data)

	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	assert.Equal(t, sid, c.ID())

	// The slot stays locked until the container is committed
	_, err = New(ctx, newTestRequest(sid), storage, testConfig())
	assert.ErrorIs(t, err, ErrLockTimeout)

	got := Update(c, userKey, func(u *activeUser) int {
		return u.UserID
	})
	assert.Equal(t, 123, got)

	// Reading only does not rewrite the session
	modTime := storage.index[sid].modTime
	resp, err := c.Commit(ctx, Headers{})
	require.NoError(t, err)
	assert.Empty(t, resp.(Headers).Header())
	assert.Equal(t, modTime, storage.index[sid].modTime)

	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	_, err = c.Commit(ctx, Headers{})
	require.NoError(t, err)
}

func TestContainer_CookieWithEmptySlot(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{LockTimeout: 50 * time.Millisecond})

	const stale = "9f303fa8-3da2-432b-af20-1cb458ad3f3d"
	t.Run("nothing to persist", func(t *testing.T) {
		c, err := New(ctx, newTestRequest(stale), storage, testConfig())
		require.NoError(t, err)
		assert.Empty(t, c.ID())

		resp, err := c.Commit(ctx, Headers{})
		require.NoError(t, err)
		assert.Empty(t, resp.(Headers).Header())
		assert.False(t, storage.locks.Held(stale))
		assert.Empty(t, storage.index)
	})

	t.Run("new data gets a new ID", func(t *testing.T) {
		c, err := New(ctx, newTestRequest(stale), storage, testConfig())
		require.NoError(t, err)
		Get(c, userKey).UserID = 123

		sid := commitNew(t, c)
		assert.NotEqual(t, stale, sid)
		assert.False(t, storage.locks.Held(stale))
		assert.False(t, storage.locks.Held(sid))
		assert.NotContains(t, storage.index, stale)
		assert.Contains(t, storage.index, sid)
	})
}

func TestContainer_Remove(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	c, err := New(ctx, newTestRequest(""), storage, testConfig())
	require.NoError(t, err)
	Get(c, userKey).UserID = 123
	Get(c, cartKey).Items = []string{"apple"}
	sid := commitNew(t, c)

	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	c.Remove(userKey)

	got := UpdateOptional(c, userKey, func(u *activeUser) *activeUser { return u })
	assert.Nil(t, got)
	_, ok := Lookup(c, userKey)
	assert.False(t, ok)

	_, err = c.Commit(ctx, Headers{})
	require.NoError(t, err)
	data, err := GobDecoder(storage.index[sid].data)
	require.NoError(t, err)
	assert.Equal(t, Data{cartKey.Name(): []byte(`{"items":["apple"]}`)}, data)

	// Removing the last model deletes the session
	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	c.Remove(&cart{})
	resp, err := c.Commit(ctx, Headers{})
	require.NoError(t, err)
	assert.Empty(t, resp.(Headers).Header())
	assert.Empty(t, storage.index)
}

func TestContainer_RemoveForms(t *testing.T) {
	storage := newTestMemoryStorage(t, MemoryConfig{})
	c, err := New(context.Background(), nil, storage, testConfig())
	require.NoError(t, err)

	tests := []struct {
		name  string
		model interface{}
	}{
		{name: "key", model: userKey},
		{name: "name", model: userKey.Name()},
		{name: "pointer", model: &activeUser{}},
		{name: "value", model: activeUser{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			Get(c, userKey).UserID = 1
			c.Remove(test.model)
			_, ok := Lookup(c, userKey)
			assert.False(t, ok)
		})
	}

	assert.Panics(t, func() { c.Remove(nil) })
}

func TestContainer_Clear(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	c, err := New(ctx, newTestRequest(""), storage, testConfig())
	require.NoError(t, err)
	Get(c, userKey).UserID = 123
	sid := commitNew(t, c)

	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	c.Clear()
	_, ok := Lookup(c, userKey)
	assert.False(t, ok)
	_, err = c.Commit(ctx, Headers{})
	require.NoError(t, err)
	assert.Empty(t, storage.index)
}

func TestContainer_GC(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	cfg := testConfig()
	c, err := New(ctx, newTestRequest(""), storage, cfg)
	require.NoError(t, err)
	Get(c, userKey).UserID = 123
	sid := commitNew(t, c)
	assert.Contains(t, storage.index, sid)

	// A zero lifetime collected on every commit deletes the session right after
	// it is written.
	cfg.GC = GCPolicy{MaxLifetime: 0, Probability: 1, Divisor: 1}
	cfg.randFunc = nil
	c, err = New(ctx, newTestRequest(sid), storage, cfg)
	require.NoError(t, err)
	Get(c, userKey).UserID = 456
	_, err = c.Commit(ctx, Headers{})
	require.NoError(t, err)
	assert.Empty(t, storage.index)
}

func TestContainer_GCSampling(t *testing.T) {
	tests := []struct {
		name    string
		policy  GCPolicy
		draw    int
		wantRun bool
	}{
		{name: "lowest draw", policy: GCPolicy{Probability: 1, Divisor: 100}, draw: 0, wantRun: true},
		{name: "above probability", policy: GCPolicy{Probability: 1, Divisor: 100}, draw: 1, wantRun: false},
		{name: "at probability", policy: GCPolicy{Probability: 5, Divisor: 10}, draw: 4, wantRun: true},
		{name: "always", policy: GCPolicy{Probability: 10, Divisor: 10}, draw: 9, wantRun: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			storage := &countingStorage{Storage: newTestMemoryStorage(t, MemoryConfig{})}
			cfg := testConfig()
			cfg.GC = test.policy
			cfg.GC.MaxLifetime = time.Hour
			cfg.randFunc = func(n int) int {
				assert.Equal(t, test.policy.Divisor, n)
				return test.draw
			}

			c, err := New(context.Background(), nil, storage, cfg)
			require.NoError(t, err)
			_, err = c.Commit(context.Background(), Headers{})
			require.NoError(t, err)
			assert.Equal(t, test.wantRun, storage.gcCalls == 1)
		})
	}
}

// countingStorage counts calls to GC.
type countingStorage struct {
	Storage
	gcCalls int
}

func (s *countingStorage) GC(ctx context.Context, lifetime time.Duration) error {
	s.gcCalls++
	return s.Storage.GC(ctx, lifetime)
}

func TestContainer_RangeError(t *testing.T) {
	tests := []struct {
		name      string
		policy    GCPolicy
		wantField string
	}{
		{name: "negative lifetime", policy: GCPolicy{MaxLifetime: -time.Second, Probability: 1, Divisor: 1}, wantField: "GC.MaxLifetime"},
		{name: "zero divisor", policy: GCPolicy{Probability: 1, Divisor: 0}, wantField: "GC.Divisor"},
		{name: "zero probability", policy: GCPolicy{Probability: 0, Divisor: 1}, wantField: "GC.Probability"},
		{name: "probability above divisor", policy: GCPolicy{Probability: 2, Divisor: 1}, wantField: "GC.Probability"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.GC = test.policy
			_, err := New(context.Background(), nil, newTestMemoryStorage(t, MemoryConfig{}), cfg)

			var rangeErr *RangeError
			require.ErrorAs(t, err, &rangeErr)
			assert.Equal(t, test.wantField, rangeErr.Field)
		})
	}
}

func TestContainer_CorruptData(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	const sid = "9f303fa8-3da2-432b-af20-1cb458ad3f3d"
	_, err := storage.Load(ctx, sid)
	require.NoError(t, err)
	require.NoError(t, storage.Store(ctx, sid, []byte("not gob"), time.Hour))

	c, err := New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	assert.Equal(t, sid, c.ID())
	_, ok := Lookup(c, userKey)
	assert.False(t, ok)

	// The corrupt data is replaced on the next write
	Get(c, userKey).UserID = 1
	_, err = c.Commit(ctx, Headers{})
	require.NoError(t, err)
	data, err := GobDecoder(storage.index[sid].data)
	require.NoError(t, err)
	assert.Equal(t, Data{userKey.Name(): []byte(`{"user_id":1}`)}, data)
}

func TestContainer_UnknownModels(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	const sid = "9f303fa8-3da2-432b-af20-1cb458ad3f3d"
	binary, err := GobEncoder(Data{
		"other.Model":  []byte(`{"a":1}`),
		userKey.Name(): []byte(`{"user_id":7}`),
	})
	require.NoError(t, err)
	_, err = storage.Load(ctx, sid)
	require.NoError(t, err)
	require.NoError(t, storage.Store(ctx, sid, binary, time.Hour))

	c, err := New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	Get(c, userKey).UserID = 8
	_, err = c.Commit(ctx, Headers{})
	require.NoError(t, err)

	data, err := GobDecoder(storage.index[sid].data)
	require.NoError(t, err)
	assert.Equal(t, Data{
		"other.Model":  []byte(`{"a":1}`),
		userKey.Name(): []byte(`{"user_id":8}`),
	}, data)
}

type unencodable struct {
	C chan int
}

func TestContainer_EncodeFailure(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{LockTimeout: 50 * time.Millisecond})

	c, err := New(ctx, newTestRequest(""), storage, testConfig())
	require.NoError(t, err)
	Get(c, userKey).UserID = 1
	sid := commitNew(t, c)

	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	Get(c, KeyOf[unencodable]()).C = make(chan int)
	_, err = c.Commit(ctx, Headers{})
	assert.Error(t, err)

	// The slot is released with its original data
	assert.False(t, storage.locks.Held(sid))
	data, err := GobDecoder(storage.index[sid].data)
	require.NoError(t, err)
	assert.Equal(t, Data{userKey.Name(): []byte(`{"user_id":1}`)}, data)
}

func TestContainer_MalformedCookie(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{LockTimeout: 50 * time.Millisecond})

	for _, value := range []string{"../etc/passwd", "not-a-uuid", "9F303FA8-3DA2-432B-AF20-1CB458AD3F3D"} {
		t.Run(value, func(t *testing.T) {
			c, err := New(ctx, newTestRequest(value), storage, testConfig())
			require.NoError(t, err)
			assert.False(t, storage.locks.Held(value))

			Get(c, userKey).UserID = 1
			sid := commitNew(t, c)
			assert.NotEqual(t, value, sid)
			assert.NotContains(t, storage.index, value)
		})
	}
}

// failingStorage fails every Store after releasing the slot.
type failingStorage struct {
	Storage
}

func (s *failingStorage) Store(ctx context.Context, sid string, data []byte, lifetime time.Duration) error {
	_ = s.Storage.Store(ctx, sid, data, lifetime)
	return errors.New("disk full")
}

func TestContainer_EncodeFailureRelease(t *testing.T) {
	ctx := context.Background()
	memory := newTestMemoryStorage(t, MemoryConfig{})
	storage := &failingStorage{Storage: memory}

	const sid = "9f303fa8-3da2-432b-af20-1cb458ad3f3d"
	binary, err := GobEncoder(Data{userKey.Name(): []byte(`{"user_id":1}`)})
	require.NoError(t, err)
	_, err = memory.Load(ctx, sid)
	require.NoError(t, err)
	require.NoError(t, memory.Store(ctx, sid, binary, time.Hour))

	c, err := New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	Get(c, KeyOf[unencodable]()).C = make(chan int)
	_, err = c.Commit(ctx, Headers{})
	assert.ErrorContains(t, err, "encode (release: disk full)")
}

func TestContainer_Discard(t *testing.T) {
	ctx := context.Background()
	storage := newTestMemoryStorage(t, MemoryConfig{})

	c, err := New(ctx, newTestRequest(""), storage, testConfig())
	require.NoError(t, err)
	Get(c, userKey).UserID = 1
	sid := commitNew(t, c)

	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	Get(c, userKey).UserID = 2
	require.NoError(t, c.Discard(ctx))
	assert.False(t, storage.locks.Held(sid))

	_, err = c.Commit(ctx, Headers{})
	assert.ErrorIs(t, err, ErrCommitted)

	c, err = New(ctx, newTestRequest(sid), storage, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, Get(c, userKey).UserID)
	require.NoError(t, c.Discard(ctx))
}

func TestContainer_MalformedID(t *testing.T) {
	cfg := testConfig()
	cfg.IDFunc = func() (string, error) { return "not-a-uuid", nil }

	c, err := New(context.Background(), nil, newTestMemoryStorage(t, MemoryConfig{}), cfg)
	require.NoError(t, err)
	Get(c, userKey).UserID = 1
	_, err = c.Commit(context.Background(), Headers{})
	assert.Error(t, err)
}

func TestContainer_CookieOptions(t *testing.T) {
	cfg := testConfig()
	cfg.CookieName = "sid"
	cfg.Cookie = CookieOptions{
		Path:     "/app",
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	cfg.IDFunc = func() (string, error) { return "9f303fa8-3da2-432b-af20-1cb458ad3f3d", nil }

	c, err := New(context.Background(), nil, newTestMemoryStorage(t, MemoryConfig{}), cfg)
	require.NoError(t, err)
	Get(c, userKey).UserID = 1
	resp, err := c.Commit(context.Background(), Headers{})
	require.NoError(t, err)
	assert.Equal(t,
		"sid=9f303fa8-3da2-432b-af20-1cb458ad3f3d; Path=/app; Secure; SameSite=Lax",
		resp.(Headers).Header().Get("Set-Cookie"),
	)
}
