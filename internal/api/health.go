package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenfolio/newsletter-engine/internal/pkg/httputil"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string                    `json:"status"` // "healthy" or "degraded"
	Timestamp string                    `json:"timestamp"`
	Uptime    string                    `json:"uptime"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck is the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker pings the engine's dependencies. Any of them may be nil
// and reports "not_configured".
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	startTime   time.Time
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redisClient: redisClient, startTime: time.Now()}
}

// HandleHealth reports engine health. Always 200; the body carries the
// per-dependency detail so a degraded store is visible without failing
// load-balancer probes.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]ComponentCheck{
		"database": hc.checkDB(ctx),
		"redis":    hc.checkRedis(ctx),
	}

	status := "healthy"
	for _, c := range checks {
		if c.Status == "down" {
			status = "degraded"
		}
	}

	httputil.OK(w, HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(hc.startTime).Round(time.Second).String(),
		Checks:    checks,
	})
}

func (hc *HealthChecker) checkDB(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).String()}
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := hc.redisClient.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).String()}
}
