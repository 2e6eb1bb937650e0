// Package idempotency replays stored responses for repeated mutating
// requests carrying the same Idempotency-Key header.
package idempotency

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/raghub/backend/internal/cache/redis"
	"github.com/raghub/backend/pkg/logger"
)

const (
	headerKey  = "Idempotency-Key"
	defaultTTL = 24 * time.Hour

	statusPending = "pending"
	statusDone    = "done"
)

type record struct {
	Status      string `json:"status"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Cache is the slice of the redis client the store needs.
type Cache interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	GetJSON(ctx context.Context, key string, value interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

var _ Cache = (*redis.Client)(nil)

type Store struct {
	cache Cache
	ttl   time.Duration
}

func NewStore(cache Cache) *Store {
	return &Store{cache: cache, ttl: defaultTTL}
}

func (s *Store) key(tenantID, idemKey string) string {
	return "idem:" + tenantID + ":" + idemKey
}

// Middleware claims the key before the handler runs and stores the
// response after. A request whose key is already claimed gets the
// stored response back, or 409 while the first attempt is still in
// flight. Requests without the header pass through untouched.
func (s *Store) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		idemKey := c.Get(headerKey)
		if idemKey == "" || s.cache == nil {
			return c.Next()
		}

		tenantID, _ := c.Locals("tenant_id").(string)
		key := s.key(tenantID, idemKey)
		ctx := context.Background()

		claimed, err := s.cache.SetNX(ctx, key, record{Status: statusPending}, s.ttl)
		if err != nil {
			// Cache outage degrades to non-idempotent behavior rather
			// than rejecting the request.
			logger.Warn("Idempotency claim failed", zap.Error(err))
			return c.Next()
		}

		if !claimed {
			var rec record
			hit, err := s.cache.GetJSON(ctx, key, &rec)
			if err != nil || !hit {
				return c.Next()
			}
			if rec.Status == statusPending {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"success": false,
					"error":   fiber.Map{"code": "RateLimited", "message": "request with this idempotency key is still in flight"},
				})
			}
			if rec.ContentType != "" {
				c.Set(fiber.HeaderContentType, rec.ContentType)
			}
			c.Set("Idempotency-Replayed", "true")
			return c.Status(rec.HTTPStatus).Send(rec.Body)
		}

		if err := c.Next(); err != nil {
			// The error handler will produce the response; release the
			// claim so the client can retry.
			_ = s.cache.Delete(ctx, key)
			return err
		}

		status := c.Response().StatusCode()
		if status >= 500 {
			_ = s.cache.Delete(ctx, key)
			return nil
		}

		body := make([]byte, len(c.Response().Body()))
		copy(body, c.Response().Body())
		rec := record{
			Status:      statusDone,
			HTTPStatus:  status,
			ContentType: string(c.Response().Header.ContentType()),
			Body:        body,
		}
		if err := s.cache.SetJSON(ctx, key, rec, s.ttl); err != nil {
			logger.Warn("Failed to store idempotent response", zap.Error(err))
		}
		return nil
	}
}
