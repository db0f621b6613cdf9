package cache

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the backend capability set used by the Coordinator.
// Implemented by the local in-process store and the Redis store.
type Store interface {
	GetExact(ctx context.Context, key string) (string, bool, error)
	SetExact(ctx context.Context, key, value string, ttl time.Duration) error

	// GetNearest returns the live entry whose fingerprint is closest to fp and
	// within threshold bits. Ties go to the lexicographically lowest fingerprint.
	GetNearest(ctx context.Context, fp string, threshold int) (NearMatch, bool, error)
	// SetNear stores value under fp and registers fp for near-duplicate scans.
	SetNear(ctx context.Context, fp, value string, ttl time.Duration) error

	Close() error
}

// NearMatch is a near-duplicate hit.
type NearMatch struct {
	Value       string
	Fingerprint string
	Distance    int
}

type Config struct {
	TTL           time.Duration
	NearThreshold int
	Prefix        string

	// RedisAddr selects the Redis store when non-empty.
	RedisAddr      string
	RedisOpTimeout time.Duration

	// MaxEntries caps each local index; 0 means unbounded.
	MaxEntries int
}

// NewStore returns the Redis store when a client is given, the local store otherwise.
func NewStore(cfg Config, redisClient *redis.Client) Store {
	if redisClient != nil {
		return NewRedisStore(redisClient, RedisConfig{
			Prefix:    cfg.Prefix,
			OpTimeout: cfg.RedisOpTimeout,
		})
	}
	return NewMemoryStore(MemoryConfig{MaxEntries: cfg.MaxEntries})
}

type candidate struct {
	fp   string
	dist int
}

// rankCandidates returns the members within threshold of fp, closest first,
// ties ordered by fingerprint. Members that are not valid fingerprints are
// skipped and returned separately so the caller can drop them. A malformed fp
// is an error.
func rankCandidates(fp string, members []string, threshold int) (ranked []candidate, invalid []string, err error) {
	if err := validFingerprint(fp); err != nil {
		return nil, nil, err
	}

	for _, m := range members {
		if validFingerprint(m) != nil {
			invalid = append(invalid, m)
			continue
		}
		d, err := HammingDistance(fp, m)
		if err != nil {
			return nil, nil, err
		}
		if d <= threshold {
			ranked = append(ranked, candidate{fp: m, dist: d})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].fp < ranked[j].fp
	})
	return ranked, invalid, nil
}
