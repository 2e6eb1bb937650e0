package tenant

import (
	"context"
	"sync"

	"github.com/raghub/backend/internal/metrics"
	"github.com/raghub/backend/internal/storage"
	"github.com/raghub/backend/internal/storage/models"
	"github.com/raghub/backend/pkg/apperr"
)

// Scope binds one unit of work, a request or an ingestion job, to a
// single tenant partition. Every data access threads a Scope explicitly;
// there is no ambient "current tenant" state anywhere in the process.
type Scope struct {
	Tenant    *models.Tenant
	Partition *storage.Partition
}

// VectorPartition is the name of the tenant's partition in the shared
// vector collection.
func (s *Scope) VectorPartition() string {
	return "t_" + s.Tenant.ID
}

// Router resolves tenant identifiers to partition scopes. Partition
// handles are pooled per tenant; SQLite's own connection pool handles
// concurrent use of a single handle.
type Router struct {
	directory *Directory

	mu         sync.RWMutex
	partitions map[string]*storage.Partition
}

func NewRouter(directory *Directory) *Router {
	return &Router{
		directory:  directory,
		partitions: make(map[string]*storage.Partition),
	}
}

// Resolve validates the tenant and returns a scope bound to its
// partition. Suspended and deleted tenants fail here, before any
// downstream work runs.
func (r *Router) Resolve(ctx context.Context, tenantID string) (*Scope, error) {
	t, err := r.directory.Lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.TenantActive:
	case models.TenantSuspended:
		return nil, apperr.Newf(apperr.CodeTenantSuspended, "tenant %s is suspended", tenantID)
	default:
		return nil, apperr.Newf(apperr.CodeTenantNotFound, "tenant %s not found", tenantID)
	}

	part, err := r.partition(t)
	if err != nil {
		return nil, err
	}
	return &Scope{Tenant: t, Partition: part}, nil
}

func (r *Router) partition(t *models.Tenant) (*storage.Partition, error) {
	r.mu.RLock()
	part, ok := r.partitions[t.ID]
	r.mu.RUnlock()
	if ok {
		return part, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if part, ok := r.partitions[t.ID]; ok {
		return part, nil
	}
	part, err := storage.Open(t.PartitionPath)
	if err != nil {
		return nil, err
	}
	r.partitions[t.ID] = part
	metrics.ActivePartitions.Set(float64(len(r.partitions)))
	return part, nil
}

// Evict closes and drops a pooled partition handle, used when a tenant
// is deleted.
func (r *Router) Evict(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if part, ok := r.partitions[tenantID]; ok {
		part.Close()
		delete(r.partitions, tenantID)
		metrics.ActivePartitions.Set(float64(len(r.partitions)))
	}
}

// Close releases every pooled partition handle.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, part := range r.partitions {
		part.Close()
		delete(r.partitions, id)
	}
	metrics.ActivePartitions.Set(0)
}
