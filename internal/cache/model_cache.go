// Package cache puts a Redis read-through cache in front of a model store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/metrics"
	"github.com/nadmax/estimo/internal/repository"
	"github.com/nadmax/estimo/internal/repository/models"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

const (
	keyPrefix        = "estimo:model:"
	genKeyPrefix     = "estimo:model-gen:"
	DefaultTTL       = 10 * time.Minute
	generationTTL    = 24 * time.Hour
	failureThreshold = 5
)

// errGenerationChanged aborts filling the cache with a record read before
// an eviction.
var errGenerationChanged = errors.New("model cache generation changed")

// ModelCache implements repository.ModelStore. Reads go to Redis first and
// fall back to the wrapped store; writes go to the store and then evict.
// Redis errors are logged and never surface to callers.
type ModelCache struct {
	client  *redis.Client
	store   repository.ModelStore
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker[any]
	log     *logger.Logger
}

func NewModelCache(redisAddr string, store repository.ModelStore, ttl time.Duration, log *logger.Logger) (*ModelCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewNop()
	}

	c := &ModelCache{
		client: client,
		store:  store,
		ttl:    ttl,
		log:    log,
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "model-cache",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, redis.Nil) ||
				errors.Is(err, redis.TxFailedErr) ||
				errors.Is(err, errGenerationChanged)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return c, nil
}

func modelKey(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// genKey counts evictions of a user's entry. A miss only fills the cache if
// no eviction happened since it started.
func genKey(userID int64) string {
	return genKeyPrefix + strconv.FormatInt(userID, 10)
}

func (c *ModelCache) LoadModel(ctx context.Context, userID int64) (*models.ModelRecord, error) {
	if rec, ok := c.get(ctx, userID); ok {
		metrics.RecordModelCacheLookup("hit")
		return rec, nil
	}
	metrics.RecordModelCacheLookup("miss")

	gen, genOK := c.generation(ctx, userID)

	rec, err := c.store.LoadModel(ctx, userID)
	if err != nil {
		return nil, err
	}

	if genOK {
		c.set(ctx, rec, gen)
	}
	return rec, nil
}

func (c *ModelCache) SaveModel(ctx context.Context, userID int64, blob []byte, formatVersion int, historyVersion int64) error {
	if err := c.store.SaveModel(ctx, userID, blob, formatVersion, historyVersion); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *ModelCache) DeleteModel(ctx context.Context, userID int64) error {
	if err := c.store.DeleteModel(ctx, userID); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *ModelCache) DeactivateModel(ctx context.Context, userID int64) error {
	if err := c.store.DeactivateModel(ctx, userID); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *ModelCache) Close() error {
	return c.client.Close()
}

func (c *ModelCache) get(ctx context.Context, userID int64) (*models.ModelRecord, bool) {
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.client.Get(ctx, modelKey(userID)).Bytes()
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("model cache read failed", "user_id", userID, "error", err)
		}
		return nil, false
	}

	var rec models.ModelRecord
	if err := json.Unmarshal(raw.([]byte), &rec); err != nil {
		c.log.Warn("discarding unreadable cached model", "user_id", userID, "error", err)
		c.evict(ctx, userID)
		return nil, false
	}
	if !rec.Active {
		return nil, false
	}
	return &rec, true
}

// generation reads the user's eviction counter; "" means none yet. ok is
// false when Redis could not be read, in which case the cache is not filled.
func (c *ModelCache) generation(ctx context.Context, userID int64) (string, bool) {
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.client.Get(ctx, genKey(userID)).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", true
	}
	if err != nil {
		c.log.Warn("model cache generation read failed", "user_id", userID, "error", err)
		return "", false
	}
	return raw.(string), true
}

// set stores rec unless the user's entry was evicted after gen was read.
func (c *ModelCache) set(ctx context.Context, rec *models.ModelRecord, gen string) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.log.Warn("failed to encode model for cache", "user_id", rec.UserID, "error", err)
		return
	}

	gk := genKey(rec.UserID)
	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, gk).Result()
			if errors.Is(err, redis.Nil) {
				current = ""
			} else if err != nil {
				return err
			}
			if current != gen {
				return errGenerationChanged
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, modelKey(rec.UserID), data, c.ttl)
				return nil
			})
			return err
		}, gk)
	})
	switch {
	case err == nil:
	case errors.Is(err, errGenerationChanged), errors.Is(err, redis.TxFailedErr):
		c.log.Debug("model evicted during load, not caching", "user_id", rec.UserID)
	default:
		c.log.Warn("model cache write failed", "user_id", rec.UserID, "error", err)
	}
}

func (c *ModelCache) evict(ctx context.Context, userID int64) {
	_, err := c.breaker.Execute(func() (any, error) {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, modelKey(userID))
			pipe.Incr(ctx, genKey(userID))
			pipe.Expire(ctx, genKey(userID), generationTTL)
			return nil
		})
		return nil, err
	})
	if err != nil {
		c.log.Warn("model cache eviction failed", "user_id", userID, "error", err)
	}
}

var _ repository.ModelStore = (*ModelCache)(nil)
