// Package lim enforces request rate limits: a Redis fixed-window counter
// shared across replicas, with a per-client token bucket as the
// fail-closed fallback when Redis is absent or unreachable.
package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"aurapaste/svc/store"
	"aurapaste/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisTimeout    = 100 * time.Millisecond
	adaptiveWindow  = 60 * time.Second
)

type Limiter struct {
	rdb            *store.Redis
	trustedProxies []string
	watch          *ErrorRateWatch

	rpm           int
	burst         int
	throttleUntil int64

	mu     sync.Mutex
	local  map[string]*localEntry
	quit   chan struct{}
	closed sync.Once
}

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter allowing rpm requests per minute per endpoint,
// with burst as the local fallback bucket size. rdb may be nil, in which
// case every check runs against the in-process buckets.
func New(rpm, burst int, rdb *store.Redis, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trusted proxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trusted proxies: %s", proxy))
		}
	}
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	l := &Limiter{
		rdb:            rdb,
		trustedProxies: trustedProxies,
		rpm:            rpm,
		burst:          burst,
		local:          make(map[string]*localEntry),
		quit:           make(chan struct{}),
	}
	l.watch = newErrorRateWatch(l.throttle)
	l.watch.start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	l.closed.Do(func() {
		close(l.quit)
		l.watch.stop()
	})
}

// throttle halves the effective limit for a minute. Installed as the
// error-rate watch callback.
func (l *Limiter) throttle() {
	atomic.StoreInt64(&l.throttleUntil, time.Now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) throttled() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.throttleUntil)
}

func (l *Limiter) effectiveLimit() int {
	limit := l.rpm
	if l.throttled() {
		limit /= 2
		if limit < 1 {
			limit = 1
		}
	}
	return limit
}

func (l *Limiter) RecordRequest() { l.watch.recordRequest() }
func (l *Limiter) RecordError()   { l.watch.recordError() }

// Check decides whether this request may proceed. The Redis window is
// shared by every replica; when it cannot be consulted the decision
// falls to a per-IP local bucket rather than letting traffic through
// unmetered.
func (l *Limiter) Check(r *http.Request, endpoint string) *Result {
	ip := ClientIP(r, l.trustedProxies)
	limit := l.effectiveLimit()
	if l.rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
		defer cancel()
		usage, err := l.rdb.RateLimit(ctx, "rl:"+endpoint+":"+ip, limit, time.Minute)
		if err != nil {
			util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
			return l.checkLocal(ip, endpoint, limit)
		}
		remaining := limit - usage
		if remaining < 0 {
			remaining = 0
		}
		return &Result{
			Allowed:   usage <= limit,
			Limit:     limit,
			Remaining: remaining,
			Reset:     time.Now().Add(time.Minute),
		}
	}
	return l.checkLocal(ip, endpoint, limit)
}

func (l *Limiter) checkLocal(ip, endpoint string, limit int) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) >= maxLimiters {
		util.Warn().Int("limiters", len(l.local)).Msg("rate limiter at capacity, rejecting request")
		return &Result{Limit: limit, Reset: time.Now().Add(time.Minute)}
	}
	key := ip + ":" + endpoint
	entry, ok := l.local[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(rate.Limit(limit)/60.0, l.burst)}
		l.local[key] = entry
	}
	entry.lastAccess = time.Now()
	if !entry.limiter.Allow() {
		return &Result{Limit: limit, Reset: time.Now().Add(time.Minute)}
	}
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: int(entry.limiter.Tokens()),
		Reset:     time.Now().Add(time.Minute),
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.quit:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.local, key)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

// ClientIP resolves the caller's address, walking X-Forwarded-For from
// the right and skipping trusted proxies. Untrusted peers never get to
// spoof their address through the header.
func ClientIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	parts := strings.Split(xff, ",")
	if len(parts) > 100 {
		util.Warn().Int("hops", len(parts)).Str("remote", remoteIP).Msg("excessive X-Forwarded-For header")
		return remoteIP
	}
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" || net.ParseIP(ip) == nil {
			continue
		}
		if !isTrustedProxy(ip, trustedProxies) {
			return ip
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && parsed != nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
