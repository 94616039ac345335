package httputil

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/spencerc99/playhtml-sub002/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playsync",
			Subsystem: "httputil",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "playsync",
			Subsystem: "httputil",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterConfig struct {
	threshold int64
	cooloff   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	config   limiterConfig
	lastSeen time.Time
}

// RateLimits applies a token bucket per caller IP to the bridge RPC and admin
// endpoints. Sync websocket traffic is not rate limited; the cost there is in
// the connection, not the request rate.
type RateLimits struct {
	limits        map[string]*limiterEntry
	mutex         sync.RWMutex
	enabled       bool
	defaultConfig limiterConfig
	perEndpoint   map[string]limiterConfig
	exemptIPs     []net.IP
	exemptCIDRs   []*net.IPNet
	cleanupDone   chan struct{}
}

func NewRateLimits(cfg *config.RateLimiting) *RateLimits {
	l := &RateLimits{
		limits:      make(map[string]*limiterEntry),
		enabled:     cfg.Enabled,
		cleanupDone: make(chan struct{}),
		defaultConfig: limiterConfig{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		perEndpoint: make(map[string]limiterConfig),
	}
	for endpoint, override := range cfg.PerEndpointOverrides {
		l.perEndpoint[endpoint] = limiterConfig{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	for _, ip := range cfg.ExemptIPAddresses {
		if parsedIP := net.ParseIP(ip); parsedIP != nil {
			l.exemptIPs = append(l.exemptIPs, parsedIP)
			continue
		}
		if _, network, err := net.ParseCIDR(ip); err == nil {
			l.exemptCIDRs = append(l.exemptCIDRs, network)
		}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

// clean runs periodically to remove expired rate limiter entries. It snapshots
// the keys under a read lock first so concurrent requests don't starve the
// cleaner, then deletes with individual write locks.
func (l *RateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)

			l.mutex.RLock()
			keysToCheck := make([]string, 0, len(l.limits))
			for key := range l.limits {
				keysToCheck = append(keysToCheck, key)
			}
			l.mutex.RUnlock()

			for _, key := range keysToCheck {
				l.mutex.Lock()
				entry, exists := l.limits[key]
				if exists && entry.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
				l.mutex.Unlock()
			}
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (l *RateLimits) Stop() {
	if l.enabled && l.cleanupDone != nil {
		select {
		case <-l.cleanupDone:
		default:
			close(l.cleanupDone)
		}
	}
}

// Limit applies rate limiting to the given request. A non-nil response is
// the 429 that should be returned instead of invoking the handler.
func (l *RateLimits) Limit(req *http.Request) *util.JSONResponse {
	endpoint := endpointLabel(req)

	// If rate limiting is disabled then do nothing.
	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	var caller string
	var requestIPAddr net.IP
	if ip, _ := requestIP(req); ip != nil {
		requestIPAddr = ip
		caller = ip.String()
	} else if req != nil {
		caller = req.RemoteAddr
	}

	if l.isIPExemptIP(requestIPAddr) {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	cfg := l.defaultConfig
	limiterKey := caller
	if req != nil {
		if override, ok := l.perEndpoint[req.URL.Path]; ok {
			cfg = override
			limiterKey = caller + "|" + req.URL.Path
		}
	}

	limiter, block := l.getLimiter(limiterKey, cfg)
	if block {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return rateLimitExceeded(cfg.cooloff)
	}

	if limiter == nil {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	if limiter.Allow() {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	rateLimitRejections.WithLabelValues(endpoint).Inc()
	return rateLimitExceeded(cfg.cooloff)
}

func rateLimitExceeded(cooloff time.Duration) *util.JSONResponse {
	return &util.JSONResponse{
		Code: http.StatusTooManyRequests,
		JSON: struct {
			Error        string `json:"error"`
			Message      string `json:"message"`
			RetryAfterMS int64  `json:"retry_after_ms"`
		}{
			Error:        "rate_limited",
			Message:      "You are sending too many requests too quickly!",
			RetryAfterMS: cooloff.Milliseconds(),
		},
	}
}

// getLimiter retrieves or creates a rate limiter for the given key and
// config. Tokens refill at threshold/cooloff per second with a burst of
// threshold, so a caller can spend its full allowance at once but then has
// to wait out the cooloff.
//
// Returns (nil, true) if the request should be blocked immediately
// (threshold <= 0) and (nil, false) if this config disables limiting
// (cooloff <= 0).
func (l *RateLimits) getLimiter(key string, cfg limiterConfig) (*rate.Limiter, bool) {
	if cfg.threshold <= 0 {
		return nil, true
	}

	if cfg.cooloff <= 0 {
		return nil, false
	}

	burst := int(cfg.threshold)
	if burst < 1 {
		burst = 1
	}

	requestsPerSecond := rate.Limit(float64(cfg.threshold) * float64(time.Second) / float64(cfg.cooloff))
	if requestsPerSecond <= 0 {
		requestsPerSecond = rate.Limit(1)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.limits[key]
	if ok && entry.config == cfg {
		entry.lastSeen = time.Now()
		return entry.limiter, false
	}

	limiter := rate.NewLimiter(requestsPerSecond, burst)
	l.limits[key] = &limiterEntry{
		limiter:  limiter,
		config:   cfg,
		lastSeen: time.Now(),
	}

	return limiter, false
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}

// requestIP extracts the client IP address from the HTTP request.
//
// X-Forwarded-For is only trusted when req.RemoteAddr is a loopback address,
// indicating the request came through a local reverse proxy. In that case the
// first valid non-loopback IP from the left is used, since the local proxy
// added the real client IP there. Direct connections use RemoteAddr and
// ignore the header entirely, preventing client IP spoofing.
func requestIP(req *http.Request) (net.IP, bool) {
	if req == nil {
		return nil, false
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	host = strings.TrimSpace(host)
	remoteIP := net.ParseIP(host)
	if remoteIP == nil {
		return nil, false
	}

	forwardedFor := req.Header.Get("X-Forwarded-For")
	if forwardedFor != "" {
		if !remoteIP.IsLoopback() {
			logrus.WithFields(logrus.Fields{
				"remote_addr":     remoteIP.String(),
				"x_forwarded_for": forwardedFor,
				"request_path":    req.URL.Path,
			}).Debug("Ignoring X-Forwarded-For from non-loopback connection (potential IP spoofing or misconfigured proxy)")
			return remoteIP, false
		}

		parts := strings.Split(forwardedFor, ",")
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if ip := net.ParseIP(part); ip != nil && !ip.IsLoopback() {
				return ip, true
			}
		}
	}

	return remoteIP, false
}

func (l *RateLimits) isIPExemptIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, exemptIP := range l.exemptIPs {
		if exemptIP.Equal(ip) {
			return true
		}
	}
	for _, network := range l.exemptCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
