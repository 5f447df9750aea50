package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/helmsman-ai/orchestrator/internal/storage"
	"github.com/helmsman-ai/orchestrator/internal/workerpool"
)

// StoreChecker pings the embedded audit/metering store.
type StoreChecker struct {
	DB *storage.DB
}

func (c *StoreChecker) Name() string   { return "store" }
func (c *StoreChecker) Critical() bool { return true }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.DB.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "store reachable"}
}

// RedisChecker pings the redis backend for caches and contexts. Redis is an
// accelerator here, so its loss only degrades the service.
type RedisChecker struct {
	Client *redis.Client
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return false }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if c.Client == nil {
		return CheckResult{Status: StatusDegraded, Message: "redis not configured"}
	}
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "redis reachable"}
}

// WorkerStats is the pool surface the capacity check reads.
type WorkerStats interface {
	StatusAll() []workerpool.Snapshot
}

// PoolChecker reports worker pool capacity pressure.
type PoolChecker struct {
	Pool         WorkerStats
	MaxProcesses int
}

func (c *PoolChecker) Name() string   { return "worker_pool" }
func (c *PoolChecker) Critical() bool { return false }

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	active := 0
	unresponsive := 0
	for _, s := range c.Pool.StatusAll() {
		if s.Status != workerpool.StatusTerminated {
			active++
		}
		if s.Status == workerpool.StatusUnresponsive {
			unresponsive++
		}
	}
	res := CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d/%d workers active", active, c.MaxProcesses),
		Details: map[string]any{
			"active":       active,
			"max":          c.MaxProcesses,
			"unresponsive": unresponsive,
		},
	}
	if unresponsive > 0 {
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d unresponsive worker(s)", unresponsive)
	}
	if c.MaxProcesses > 0 && active >= c.MaxProcesses {
		res.Status = StatusDegraded
		res.Message = "worker pool at capacity"
	}
	return res
}
