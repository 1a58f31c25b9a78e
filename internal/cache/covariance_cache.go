package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gonum.org/v1/gonum/mat"

	"github.com/renewcast/coherent-go/internal/reconcile"
)

// CovarianceCacheEntry is the serialized form of an estimated covariance.
type CovarianceCacheEntry struct {
	Dim         int       `json:"dim"`
	Data        []float64 `json:"data"`
	Strategy    string    `json:"strategy"`
	Applied     string    `json:"applied"`
	FellBack    bool      `json:"fell_back"`
	Regularized bool      `json:"regularized"`
	CachedAt    time.Time `json:"cached_at"`
}

// CovarianceCacheStats tracks cache performance metrics
type CovarianceCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	mu     sync.RWMutex
}

// RedisCovarianceCache caches estimated covariance matrices in Redis. Entries
// are keyed by hierarchy id, strategy name and a fingerprint of the residual
// window, so a new residual set never sees a stale estimate.
type RedisCovarianceCache struct {
	redis  *redis.Client
	ttl    time.Duration
	stats  *CovarianceCacheStats
	prefix string
}

// NewRedisCovarianceCache creates a new Redis-based covariance cache
func NewRedisCovarianceCache(redisClient *redis.Client, ttl time.Duration) *RedisCovarianceCache {
	return &RedisCovarianceCache{
		redis:  redisClient,
		ttl:    ttl,
		stats:  &CovarianceCacheStats{},
		prefix: "covariance_cache:",
	}
}

// ResidualFingerprint hashes a residual matrix into a stable hex digest.
func ResidualFingerprint(residuals *mat.Dense) string {
	h := sha256.New()
	if residuals != nil {
		r, c := residuals.Dims()
		var dims [16]byte
		binary.LittleEndian.PutUint64(dims[:8], uint64(r))
		binary.LittleEndian.PutUint64(dims[8:], uint64(c))
		h.Write(dims[:])
		var buf [8]byte
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(residuals.At(i, j)))
				h.Write(buf[:])
			}
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c *RedisCovarianceCache) key(hierarchyID, strategy, fingerprint string) string {
	return c.prefix + hierarchyID + ":" + strategy + ":" + fingerprint
}

// Get retrieves a cached covariance estimate.
func (c *RedisCovarianceCache) Get(ctx context.Context, hierarchyID, strategy, fingerprint string) (*reconcile.Covariance, bool) {
	cacheKey := c.key(hierarchyID, strategy, fingerprint)

	data, err := c.redis.Get(ctx, cacheKey).Result()
	if err == redis.Nil {
		c.miss()
		return nil, false
	}
	if err != nil {
		log.Printf("Redis error getting covariance for %s: %v", hierarchyID, err)
		c.miss()
		return nil, false
	}

	var entry CovarianceCacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		log.Printf("Error deserializing cached covariance for %s: %v", hierarchyID, err)
		c.miss()
		return nil, false
	}
	if entry.Dim <= 0 || len(entry.Data) != entry.Dim*entry.Dim {
		c.miss()
		return nil, false
	}

	requested, err := reconcile.ParseCovarianceStrategy(entry.Strategy)
	if err != nil {
		c.miss()
		return nil, false
	}
	applied, err := reconcile.ParseCovarianceStrategy(entry.Applied)
	if err != nil {
		c.miss()
		return nil, false
	}

	w := mat.NewSymDense(entry.Dim, nil)
	for i := 0; i < entry.Dim; i++ {
		for j := i; j < entry.Dim; j++ {
			w.SetSym(i, j, entry.Data[i*entry.Dim+j])
		}
	}

	c.stats.mu.Lock()
	c.stats.Hits++
	c.stats.mu.Unlock()

	return &reconcile.Covariance{
		W:           w,
		Strategy:    requested,
		Applied:     applied,
		FellBack:    entry.FellBack,
		Regularized: entry.Regularized,
	}, true
}

// Set stores a covariance estimate with the configured TTL.
func (c *RedisCovarianceCache) Set(ctx context.Context, hierarchyID, strategy, fingerprint string, cov *reconcile.Covariance) {
	cacheKey := c.key(hierarchyID, strategy, fingerprint)

	n := cov.W.SymmetricDim()
	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = cov.W.At(i, j)
		}
	}

	entry := CovarianceCacheEntry{
		Dim:         n,
		Data:        data,
		Strategy:    cov.Strategy.String(),
		Applied:     cov.Applied.String(),
		FellBack:    cov.FellBack,
		Regularized: cov.Regularized,
		CachedAt:    time.Now(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Error serializing covariance for %s: %v", hierarchyID, err)
		return
	}

	if err := c.redis.Set(ctx, cacheKey, payload, c.ttl).Err(); err != nil {
		log.Printf("Redis error setting covariance for %s: %v", hierarchyID, err)
		return
	}

	c.stats.mu.Lock()
	c.stats.Sets++
	c.stats.mu.Unlock()
}

// GetStats returns current cache statistics
func (c *RedisCovarianceCache) GetStats() (hits, misses, sets int64) {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return c.stats.Hits, c.stats.Misses, c.stats.Sets
}

func (c *RedisCovarianceCache) miss() {
	c.stats.mu.Lock()
	c.stats.Misses++
	c.stats.mu.Unlock()
}
