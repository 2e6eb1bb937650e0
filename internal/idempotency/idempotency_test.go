package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	down    bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errors.New("cache down")
	}
	if _, ok := f.entries[key]; ok {
		return false, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	f.entries[key] = raw
	return true, nil
}

func (f *fakeCache) GetJSON(ctx context.Context, key string, value interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errors.New("cache down")
	}
	raw, ok := f.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, value)
}

func (f *fakeCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("cache down")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.entries[key] = raw
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func testApp(store *Store, handlerCalls *int, handlerStatus int) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("tenant_id", "t1")
		return c.Next()
	})
	app.Post("/documents", store.Middleware(), func(c *fiber.Ctx) error {
		*handlerCalls++
		return c.Status(handlerStatus).JSON(fiber.Map{"id": "doc-1"})
	})
	return app
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	cache := newFakeCache()
	calls := 0
	app := testApp(NewStore(cache), &calls, fiber.StatusCreated)

	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set(headerKey, "key-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, calls)
	first, _ := io.ReadAll(resp.Body)

	// Same key again: the handler does not run, the stored body comes
	// back with the replay marker.
	req = httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set(headerKey, "key-1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "true", resp.Header.Get("Idempotency-Replayed"))
	replayed, _ := io.ReadAll(resp.Body)
	assert.Equal(t, first, replayed)

	// A different key runs the handler again.
	req = httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set(headerKey, "key-2")
	_, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestMiddlewareWithoutHeaderPassesThrough(t *testing.T) {
	cache := newFakeCache()
	calls := 0
	app := testApp(NewStore(cache), &calls, fiber.StatusCreated)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/documents", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}
	assert.Equal(t, 2, calls)
	assert.Empty(t, cache.entries)
}

func TestMiddlewareConflictWhileInFlight(t *testing.T) {
	cache := newFakeCache()
	calls := 0
	store := NewStore(cache)
	app := testApp(store, &calls, fiber.StatusCreated)

	// Simulate a first attempt still in flight by pre-claiming the key.
	raw, _ := json.Marshal(record{Status: statusPending})
	cache.entries[store.key("t1", "key-1")] = raw

	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set(headerKey, "key-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, 0, calls)
}

func TestMiddlewareReleasesClaimOnServerError(t *testing.T) {
	cache := newFakeCache()
	calls := 0
	store := NewStore(cache)
	app := testApp(store, &calls, fiber.StatusBadGateway)

	req := httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set(headerKey, "key-1")
	_, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// The claim was released, so a retry reaches the handler.
	req = httptest.NewRequest("POST", "/documents", nil)
	req.Header.Set(headerKey, "key-1")
	_, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestMiddlewareDegradesWhenCacheIsDown(t *testing.T) {
	cache := newFakeCache()
	cache.down = true
	calls := 0
	app := testApp(NewStore(cache), &calls, fiber.StatusCreated)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/documents", nil)
		req.Header.Set(headerKey, "key-1")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}
	// Non-idempotent, but available.
	assert.Equal(t, 2, calls)
}

func TestKeysAreTenantScoped(t *testing.T) {
	store := NewStore(newFakeCache())
	assert.NotEqual(t, store.key("t1", "k"), store.key("t2", "k"))
}
