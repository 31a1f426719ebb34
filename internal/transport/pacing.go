package transport

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostPacer manages one rate limiter per remote host.
type HostPacer struct {
	limiters   map[string]*limiterEntry
	mu         sync.Mutex
	rate       rate.Limit
	burst      int
	maxEntries int
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewHostPacer creates a pacer allowing r requests per second per host with
// the given burst. A burst below one is raised to one.
func NewHostPacer(r float64, burst int) *HostPacer {
	if burst < 1 {
		burst = 1
	}
	return &HostPacer{
		limiters:   make(map[string]*limiterEntry),
		rate:       rate.Limit(r),
		burst:      burst,
		maxEntries: 64,
	}
}

func (p *HostPacer) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.limiters[host]
	if !exists {
		if len(p.limiters) >= p.maxEntries {
			p.evictOldest()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.limiters[host] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (p *HostPacer) evictOldest() {
	var oldestHost string
	var oldestTime time.Time

	for host, entry := range p.limiters {
		if oldestHost == "" || entry.lastAccess.Before(oldestTime) {
			oldestHost = host
			oldestTime = entry.lastAccess
		}
	}

	if oldestHost != "" {
		delete(p.limiters, oldestHost)
	}
}

type pacedTransport struct {
	next  http.RoundTripper
	pacer *HostPacer
}

// RoundTrip waits for the host's limiter before sending. A context that
// ends while waiting aborts the request.
func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.pacer.limiter(req.URL.Host).Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}
