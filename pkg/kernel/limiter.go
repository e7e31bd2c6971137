package kernel

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterStore abstracts the rate-limit bucket storage so a single-node
// kernel uses in-process buckets and a fleet shares Redis.
type LimiterStore interface {
	// Allow reports whether the actor may proceed, consuming one unit.
	Allow(ctx context.Context, actorID string) (bool, error)
}

// LocalLimiter keeps a per-actor token bucket in memory.
type LocalLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates the in-process limiter and starts the stale-entry
// sweeper.
func NewLocalLimiter(rps, burst int) *LocalLimiter {
	l := &LocalLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.sweep()
	return l
}

func (l *LocalLimiter) Allow(_ context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[actorID] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow(), nil
}

// sweep removes actors idle for over three minutes so the map stays
// bounded.
func (l *LocalLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for id, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, id)
			}
		}
		l.mu.Unlock()
	}
}

// ActorFromRequest keys the limiter: the agent header when present, else
// the remote IP.
func ActorFromRequest(r *http.Request) string {
	if agent := r.Header.Get("X-Agent-ID"); agent != "" {
		return "agent:" + agent
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			host = first
		}
	}
	return "ip:" + host
}
