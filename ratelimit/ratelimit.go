// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxcb/config"
	"golang.org/x/time/rate"
)

// IPRateLimiter limits administrative API requests per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is requests per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from remoteAddr may proceed.
// remoteAddr is either "host:port" or a bare host.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	ip := extractIP(remoteAddr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked addresses.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// PublisherRateLimiter limits publishes per publisher identity.
type PublisherRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewPublisherRateLimiter creates a new publisher-based rate limiter.
func NewPublisherRateLimiter(r float64, burst int) *PublisherRateLimiter {
	return &PublisherRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether publisher may publish now.
func (l *PublisherRateLimiter) Allow(publisher string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[publisher]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[publisher] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter of a publisher.
func (l *PublisherRateLimiter) Remove(publisher string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, publisher)
}

func extractIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Manager coordinates the request and publish limiters.
// A disabled manager allows everything.
type Manager struct {
	ip        *IPRateLimiter
	publisher *PublisherRateLimiter
	disabled  bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg config.RateLimitConfig) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true}
	}
	return &Manager{
		ip:        NewIPRateLimiter(cfg.RequestRate, cfg.RequestBurst, cfg.CleanupInterval),
		publisher: NewPublisherRateLimiter(cfg.PublishRate, cfg.PublishBurst),
	}
}

// AllowRequest checks an API request from remoteAddr.
func (m *Manager) AllowRequest(remoteAddr string) bool {
	if m == nil || m.disabled {
		return true
	}
	return m.ip.Allow(remoteAddr)
}

// AllowPublish checks a publish from publisher.
func (m *Manager) AllowPublish(publisher string) bool {
	if m == nil || m.disabled {
		return true
	}
	return m.publisher.Allow(publisher)
}

// Middleware rejects requests over the per-IP limit with 429.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.AllowRequest(r.RemoteAddr) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m == nil || m.ip == nil {
		return
	}
	m.ip.Stop()
}
