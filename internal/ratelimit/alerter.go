package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts API security events per client IP and reports when a
// rule threshold is reached inside its window.
type AuditAlerter struct {
	redisClient *redis.Client
	prefix      string
	now         func() time.Time
}

// NewAuditAlerter creates an alerter backed by Redis counters.
// It returns nil when addr is empty; a nil alerter observes nothing.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "docchat:alerts"
	}
	return &AuditAlerter{
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		now:    time.Now,
	}
}

// Observe records a security event and returns whether its alert threshold is reached.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.redisClient == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	windowMs := window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, a.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	// Fire once per window, on the event that crosses the threshold.
	result.Triggered = count == threshold
	return result, nil
}

// Close releases the Redis connection pool.
func (a *AuditAlerter) Close() error {
	if a == nil || a.redisClient == nil {
		return nil
	}
	return a.redisClient.Close()
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	if strings.TrimSpace(outcome) != "fail" {
		return 0, 0, false
	}
	switch strings.TrimSpace(event) {
	case "api.ratelimit":
		return 20, time.Minute, true
	case "api.token.verify":
		return 25, 5 * time.Minute, true
	case "api.admin.authorize":
		return 10, 5 * time.Minute, true
	default:
		return 0, 0, false
	}
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
