// Package kv wraps the Redis client used for scheduler coordination: the
// due-occurrence sorted set, per-job locks, the running markers, the
// worker registry hashes, and the cancellation pub/sub channel. The whole
// surface sits behind a circuit breaker so a flapping Redis doesn't take
// down the dispatch loop with cascading timeouts.
package kv

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/northbridge-io/taskgrid/internal/platform/logger"
)

const (
	// DueSetKey is the sorted set of job IDs scored by next fire time.
	DueSetKey = "taskgrid:due"
	// runningKeyPrefix marks job IDs with an occurrence currently
	// dispatched, used to enforce ConcurrencySkip. One key per job so each
	// marker carries its own TTL and a crashed scheduler can never leave a
	// job permanently "running".
	runningKeyPrefix = "taskgrid:running:"
	// LeaderKey is the distributed lock guarding the single active dispatcher.
	LeaderKey = "taskgrid:leader:dispatcher"
	// CancelChannel is the pub/sub channel occurrence cancellations are
	// published on.
	CancelChannel = "taskgrid:cancel"
	// PausedKey is the emergency-stop flag: while set, the dispatcher
	// leader skips its tick entirely. Operators set it out-of-band
	// (redis-cli) or via SetDispatcherPaused.
	PausedKey = "taskgrid:dispatcher:paused"
)

func jobLockKey(jobID string) string    { return "taskgrid:lock:job:" + jobID }
func workerHashKey(workerID string) string { return "taskgrid:worker:" + workerID }
func instanceHashKey(workerID, instanceID string) string {
	return "taskgrid:worker:" + workerID + ":instance:" + instanceID
}

// Client is the coordination KV surface. All methods accept a context so
// callers can bound how long they wait on Redis round-trips.
type Client struct {
	rdb *goredis.Client
	cb  *gobreaker.CircuitBreaker
	log *logger.Logger
}

// Options configures the underlying redis.Client and circuit breaker.
type Options struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	BreakerName  string
	BreakerMaxFailures uint32
}

// New dials Redis, verifies connectivity with a bounded PING, and wraps the
// client in a circuit breaker that opens after BreakerMaxFailures
// consecutive failures.
func New(ctx context.Context, opts Options, log *logger.Logger) (*Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("kv: Addr required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("kv: redis ping: %w", err)
	}

	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	name := opts.BreakerName
	if name == "" {
		name = "redis-kv"
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})

	return &Client{rdb: rdb, cb: cb, log: log.With("component", "kv")}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Client) exec(fn func() (interface{}, error)) (interface{}, error) {
	return c.cb.Execute(fn)
}

// BreakerStats exposes the circuit breaker's current state and counters for
// health reporting.
func (c *Client) BreakerStats() (state string, counts gobreaker.Counts) {
	return c.cb.State().String(), c.cb.Counts()
}

// AddDue upserts jobID into the due set scored by the unix-nano time it
// should next fire.
func (c *Client) AddDue(ctx context.Context, jobID string, fireAt time.Time) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.rdb.ZAdd(ctx, DueSetKey, goredis.Z{
			Score:  float64(fireAt.UnixNano()),
			Member: jobID,
		}).Err()
	})
	return err
}

// RemoveDue removes jobID from the due set, e.g. when a job is deactivated
// or deleted.
func (c *Client) RemoveDue(ctx context.Context, jobID string) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.rdb.ZRem(ctx, DueSetKey, jobID).Err()
	})
	return err
}

// PopDue returns up to limit job IDs whose score is <= now, in ascending
// score order, without removing them; callers remove a job only once they
// have successfully claimed its per-job lock.
func (c *Client) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := c.exec(func() (interface{}, error) {
		return c.rdb.ZRangeByScore(ctx, DueSetKey, &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", now.UnixNano()),
			Count: limit,
		}).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// AcquireJobLock attempts to set a short-lived exclusive lock for jobID,
// returning false if another dispatcher instance already holds it.
func (c *Client) AcquireJobLock(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	res, err := c.exec(func() (interface{}, error) {
		return c.rdb.SetNX(ctx, jobLockKey(jobID), "1", ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// ReleaseJobLock drops the per-job lock early, e.g. after dispatch fails and
// the job should be immediately retriable rather than waiting out the TTL.
func (c *Client) ReleaseJobLock(ctx context.Context, jobID string) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, jobLockKey(jobID)).Err()
	})
	return err
}

// MarkRunning marks jobID as having an in-flight occurrence, used by
// ConcurrencySkip. The TTL should exceed the job's execution timeout plus
// zombie threshold so the marker outlives any legitimate run but not a
// lost one.
func (c *Client) MarkRunning(ctx context.Context, jobID string, ttl time.Duration) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, runningKeyPrefix+jobID, "1", ttl).Err()
	})
	return err
}

// ClearRunning removes jobID's running marker once its occurrence reaches a
// terminal state.
func (c *Client) ClearRunning(ctx context.Context, jobID string) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, runningKeyPrefix+jobID).Err()
	})
	return err
}

// IsRunning reports whether jobID currently has an in-flight occurrence.
func (c *Client) IsRunning(ctx context.Context, jobID string) (bool, error) {
	res, err := c.exec(func() (interface{}, error) {
		n, err := c.rdb.Exists(ctx, runningKeyPrefix+jobID).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// AcquireLeader attempts to take the dispatcher leader lock for ttl,
// identifying itself as holderID so a renewal can verify ownership.
func (c *Client) AcquireLeader(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	res, err := c.exec(func() (interface{}, error) {
		return c.rdb.SetNX(ctx, LeaderKey, holderID, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// RenewLeader extends the leader lock's TTL if holderID still owns it.
func (c *Client) RenewLeader(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	res, err := c.exec(func() (interface{}, error) {
		cur, err := c.rdb.Get(ctx, LeaderKey).Result()
		if err == goredis.Nil {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cur != holderID {
			return false, nil
		}
		return true, c.rdb.Expire(ctx, LeaderKey, ttl).Err()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// ReleaseLeader drops the leader lock if holderID still owns it, used on
// graceful shutdown so a new leader can take over without waiting out the TTL.
func (c *Client) ReleaseLeader(ctx context.Context, holderID string) error {
	_, err := c.exec(func() (interface{}, error) {
		cur, err := c.rdb.Get(ctx, LeaderKey).Result()
		if err == goredis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if cur != holderID {
			return nil, nil
		}
		return nil, c.rdb.Del(ctx, LeaderKey).Err()
	})
	return err
}

// SetDispatcherPaused flips the emergency-stop flag.
func (c *Client) SetDispatcherPaused(ctx context.Context, paused bool) error {
	_, err := c.exec(func() (interface{}, error) {
		if paused {
			return nil, c.rdb.Set(ctx, PausedKey, "1", 0).Err()
		}
		return nil, c.rdb.Del(ctx, PausedKey).Err()
	})
	return err
}

// DispatcherPaused reports whether the emergency-stop flag is set. Read
// fresh from Redis every tick; any in-process copy is a cache at most.
func (c *Client) DispatcherPaused(ctx context.Context) (bool, error) {
	res, err := c.exec(func() (interface{}, error) {
		n, err := c.rdb.Exists(ctx, PausedKey).Result()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// PublishCancel broadcasts an occurrence cancellation request to every
// worker instance subscribed to CancelChannel.
func (c *Client) PublishCancel(ctx context.Context, occurrenceID string) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.rdb.Publish(ctx, CancelChannel, occurrenceID).Err()
	})
	return err
}

// SubscribeCancel returns the underlying pub/sub subscription; callers drain
// sub.Channel() themselves (see internal/cancelbus for the forwarder
// pattern this is meant to be used with).
func (c *Client) SubscribeCancel(ctx context.Context) *goredis.PubSub {
	return c.rdb.Subscribe(ctx, CancelChannel)
}

// UpsertWorker writes the worker-level registry hash (shared by every
// instance of the worker id) with a TTL refreshed on each heartbeat.
func (c *Client) UpsertWorker(ctx context.Context, workerID string, fields map[string]interface{}, ttl time.Duration) error {
	return c.upsertHash(ctx, workerHashKey(workerID), fields, ttl)
}

// UpsertWorkerInstance writes one instance's registry hash with a TTL so
// crashed instances age out automatically even without a reaper.
func (c *Client) UpsertWorkerInstance(ctx context.Context, workerID, instanceID string, fields map[string]interface{}, ttl time.Duration) error {
	return c.upsertHash(ctx, instanceHashKey(workerID, instanceID), fields, ttl)
}

func (c *Client) upsertHash(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	_, err := c.exec(func() (interface{}, error) {
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

// Worker reads back a worker-level registry hash.
func (c *Client) Worker(ctx context.Context, workerID string) (map[string]string, error) {
	res, err := c.exec(func() (interface{}, error) {
		return c.rdb.HGetAll(ctx, workerHashKey(workerID)).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// WorkerInstances scans the registry for all live instance hashes.
func (c *Client) WorkerInstances(ctx context.Context) ([]map[string]string, error) {
	var out []map[string]string
	iter := c.rdb.Scan(ctx, 0, "taskgrid:worker:*:instance:*", 100).Iterator()
	for iter.Next(ctx) {
		vals, err := c.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveWorkerInstance deletes one instance's registry hash on clean
// shutdown.
func (c *Client) RemoveWorkerInstance(ctx context.Context, workerID, instanceID string) error {
	_, err := c.exec(func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, instanceHashKey(workerID, instanceID)).Err()
	})
	return err
}
