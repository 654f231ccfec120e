// Package health aggregates readiness checks for the executor's
// dependencies: the isolation backend, the proxy port and the policy
// service.
package health

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Result represents the outcome of one health check
type Result struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
	Duration  time.Duration `json:"-"`
}

// Checker is one dependency check
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Registry runs a set of checkers and aggregates their results
type Registry struct {
	mu       sync.Mutex
	checkers []Checker
}

func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers}
}

// Add registers an additional checker
func (r *Registry) Add(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Check runs every checker. The aggregate is healthy only when all are.
func (r *Registry) Check(ctx context.Context) (bool, []Result) {
	r.mu.Lock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.Unlock()

	healthy := true
	results := make([]Result, 0, len(checkers))
	for _, c := range checkers {
		res := c.Check(ctx)
		if !res.Healthy {
			healthy = false
		}
		results = append(results, res)
	}
	return healthy, results
}

// FuncChecker adapts a probe function into a Checker
type FuncChecker struct {
	CheckName string
	Probe     func(ctx context.Context) error
}

func (f *FuncChecker) Name() string { return f.CheckName }

func (f *FuncChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{Name: f.CheckName, CheckedAt: start, Healthy: true}
	if err := f.Probe(ctx); err != nil {
		res.Healthy = false
		res.Message = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}

// TCPChecker verifies a TCP endpoint accepts connections
type TCPChecker struct {
	CheckName string
	Address   string
	Timeout   time.Duration
}

func (t *TCPChecker) Name() string { return t.CheckName }

func (t *TCPChecker) Check(_ context.Context) Result {
	start := time.Now()
	res := Result{Name: t.CheckName, CheckedAt: start}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", t.Address, timeout)
	if err != nil {
		res.Message = err.Error()
	} else {
		conn.Close()
		res.Healthy = true
	}
	res.Duration = time.Since(start)
	return res
}

// HTTPChecker verifies an HTTP endpoint answers with a 2xx
type HTTPChecker struct {
	CheckName string
	URL       string
	Client    *http.Client
}

func (h *HTTPChecker) Name() string { return h.CheckName }

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{Name: h.CheckName, CheckedAt: start}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		res.Message = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	resp, err := client.Do(req)
	if err != nil {
		res.Message = err.Error()
		res.Duration = time.Since(start)
		return res
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Healthy = true
	} else {
		res.Message = resp.Status
	}
	res.Duration = time.Since(start)
	return res
}
