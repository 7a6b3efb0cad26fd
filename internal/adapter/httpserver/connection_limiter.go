package httpserver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	bucketPruneEvery = 5 * time.Minute
	bucketIdleAfter  = 10 * time.Minute
)

// LimitReason describes why a connection was rejected. Values double as the
// rejection metric label.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// LimitsConfig bounds socket admission for one instance.
type LimitsConfig struct {
	MaxConnections int
	MaxPerIP       int
	// AttemptsPerSecond and Burst shape the per-IP token bucket on handshakes.
	AttemptsPerSecond float64
	Burst             int
}

// LimitUsage is a point-in-time view of admission state.
type LimitUsage struct {
	Open        int `json:"open"`
	Max         int `json:"max"`
	DistinctIPs int `json:"distinctIps"`
	RateBuckets int `json:"rateBuckets"`
}

type attemptBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionLimits admits sockets before the upgrade. The rate bucket is
// charged first, then a global and a per-IP slot are taken together under one
// lock, so a refusal never leaves a slot behind.
type ConnectionLimits struct {
	cfg   LimitsConfig
	clock clockwork.Clock

	mu        sync.Mutex
	open      int
	perIP     map[string]int
	buckets   map[string]*attemptBucket
	nextPrune time.Time
}

func NewConnectionLimits(clock clockwork.Clock, cfg LimitsConfig) *ConnectionLimits {
	return &ConnectionLimits{
		cfg:       cfg,
		clock:     clock,
		perIP:     make(map[string]int),
		buckets:   make(map[string]*attemptBucket),
		nextPrune: clock.Now().Add(bucketPruneEvery),
	}
}

// Acquire reserves a slot for ip. Release must follow every successful call.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if !l.allowAttempt(ip, now) {
		return false, LimitReasonRate
	}
	if l.open >= l.cfg.MaxConnections {
		return false, LimitReasonGlobal
	}
	if l.perIP[ip] >= l.cfg.MaxPerIP {
		return false, LimitReasonPerIP
	}

	l.open++
	l.perIP[ip]++
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.perIP[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = n - 1
	}
	l.open--
}

func (l *ConnectionLimits) Usage() LimitUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimitUsage{
		Open:        l.open,
		Max:         l.cfg.MaxConnections,
		DistinctIPs: len(l.perIP),
		RateBuckets: len(l.buckets),
	}
}

// allowAttempt charges ip's bucket. Callers hold mu.
func (l *ConnectionLimits) allowAttempt(ip string, now time.Time) bool {
	if now.After(l.nextPrune) {
		cutoff := now.Add(-bucketIdleAfter)
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.nextPrune = now.Add(bucketPruneEvery)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &attemptBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.AttemptsPerSecond), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
