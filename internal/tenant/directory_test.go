package tenant

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/apperr"
)

// memoryCache is an in-process stand-in for the redis tenant cache.
type memoryCache struct {
	entries map[string][]byte
	hits    int
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) GetJSON(ctx context.Context, key string, value interface{}) (bool, error) {
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	c.hits++
	return true, json.Unmarshal(raw, value)
}

func (c *memoryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	c.sets++
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func testDirectory(t *testing.T, cache Cache) *Directory {
	t.Helper()
	dir := t.TempDir()
	d, err := NewDirectory(filepath.Join(dir, "directory.db"), filepath.Join(dir, "partitions"), cache, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOnboardSeedsAdmin(t *testing.T) {
	d := testDirectory(t, nil)
	ctx := context.Background()

	ten, admin, err := d.Onboard(ctx, " Acme ", "admin@acme.example", models.ModeAdvanced)
	require.NoError(t, err)
	assert.Equal(t, "acme", ten.Name)
	assert.Equal(t, models.TenantActive, ten.Status)
	assert.Equal(t, models.ModeAdvanced, ten.DefaultMode)
	assert.Equal(t, models.RoleAdmin, admin.Role)
	assert.Equal(t, "admin@acme.example", admin.Email)
	assert.FileExists(t, ten.PartitionPath)

	// Duplicate name is rejected.
	_, _, err = d.Onboard(ctx, "acme", "other@acme.example", "")
	assert.Error(t, err)

	// Empty mode defaults to basic.
	ten2, _, err := d.Onboard(ctx, "globex", "admin@globex.example", "")
	require.NoError(t, err)
	assert.Equal(t, models.ModeBasic, ten2.DefaultMode)

	_, _, err = d.Onboard(ctx, "initech", "admin@initech.example", "turbo")
	assert.Error(t, err)
}

func TestLookupUsesCache(t *testing.T) {
	cache := newMemoryCache()
	d := testDirectory(t, cache)
	ctx := context.Background()

	ten, _, err := d.Onboard(ctx, "acme", "admin@acme.example", "")
	require.NoError(t, err)

	got, err := d.Lookup(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, ten.ID, got.ID)
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, 0, cache.hits)

	got, err = d.Lookup(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
	assert.Equal(t, 1, cache.hits)

	_, err = d.Lookup(ctx, "missing")
	assert.True(t, apperr.IsCode(err, apperr.CodeTenantNotFound))
}

func TestSetStatusInvalidatesCache(t *testing.T) {
	cache := newMemoryCache()
	d := testDirectory(t, cache)
	ctx := context.Background()

	ten, _, err := d.Onboard(ctx, "acme", "admin@acme.example", "")
	require.NoError(t, err)
	_, err = d.Lookup(ctx, ten.ID) // prime the cache
	require.NoError(t, err)

	require.NoError(t, d.SetStatus(ctx, ten.ID, models.TenantSuspended))

	// The very next lookup must see the new status, not the cached one.
	got, err := d.Lookup(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TenantSuspended, got.Status)

	err = d.SetStatus(ctx, "missing", models.TenantSuspended)
	assert.True(t, apperr.IsCode(err, apperr.CodeTenantNotFound))
}

func TestSetDefaultMode(t *testing.T) {
	d := testDirectory(t, nil)
	ctx := context.Background()

	ten, _, err := d.Onboard(ctx, "acme", "admin@acme.example", "")
	require.NoError(t, err)

	require.NoError(t, d.SetDefaultMode(ctx, ten.ID, models.ModeCustomized))
	got, err := d.Lookup(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeCustomized, got.DefaultMode)

	assert.Error(t, d.SetDefaultMode(ctx, ten.ID, "turbo"))
	err = d.SetDefaultMode(ctx, "missing", models.ModeBasic)
	assert.True(t, apperr.IsCode(err, apperr.CodeTenantNotFound))
}

func TestSetDefaultModeKeepsPartitionOpen(t *testing.T) {
	d := testDirectory(t, nil)
	r := NewRouter(d)
	t.Cleanup(r.Close)
	ctx := context.Background()

	ten, _, err := d.Onboard(ctx, "acme", "admin@acme.example", "")
	require.NoError(t, err)
	scope, err := r.Resolve(ctx, ten.ID)
	require.NoError(t, err)

	// A mode change does not touch the partition file, so in-flight
	// holders of the pooled handle keep working and the pool keeps the
	// same handle.
	require.NoError(t, d.SetDefaultMode(ctx, ten.ID, models.ModeAdvanced))

	_, err = scope.Partition.CreateCategory(ctx, "post-change")
	require.NoError(t, err)

	again, err := r.Resolve(ctx, ten.ID)
	require.NoError(t, err)
	assert.Same(t, scope.Partition, again.Partition)
	assert.Equal(t, models.ModeAdvanced, again.Tenant.DefaultMode)
}

func TestRouterResolve(t *testing.T) {
	d := testDirectory(t, nil)
	r := NewRouter(d)
	t.Cleanup(r.Close)
	ctx := context.Background()

	ten, admin, err := d.Onboard(ctx, "acme", "admin@acme.example", "")
	require.NoError(t, err)

	scope, err := r.Resolve(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, "t_"+ten.ID, scope.VectorPartition())

	// The partition is genuinely the tenant's own file: the seeded
	// admin is visible through it.
	user, err := scope.Partition.GetUser(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, user.Role)

	// The handle is pooled across resolutions.
	again, err := r.Resolve(ctx, ten.ID)
	require.NoError(t, err)
	assert.Same(t, scope.Partition, again.Partition)

	_, err = r.Resolve(ctx, "missing")
	assert.True(t, apperr.IsCode(err, apperr.CodeTenantNotFound))
}

func TestRouterRejectsInactiveTenants(t *testing.T) {
	d := testDirectory(t, nil)
	r := NewRouter(d)
	t.Cleanup(r.Close)
	ctx := context.Background()

	ten, _, err := d.Onboard(ctx, "acme", "admin@acme.example", "")
	require.NoError(t, err)

	require.NoError(t, d.SetStatus(ctx, ten.ID, models.TenantSuspended))
	_, err = r.Resolve(ctx, ten.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeTenantSuspended))

	// Deleted tenants are indistinguishable from unknown ones.
	require.NoError(t, d.SetStatus(ctx, ten.ID, models.TenantDeleted))
	r.Evict(ten.ID)
	_, err = r.Resolve(ctx, ten.ID)
	assert.True(t, apperr.IsCode(err, apperr.CodeTenantNotFound))
}
