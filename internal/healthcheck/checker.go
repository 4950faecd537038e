package healthcheck

import (
	"context"
	"log"
	"sync"
	"time"
)

// A store dependency that can be pinged (postgres, redis).
type Pingable interface {
	Ping(ctx context.Context) error
}

type Target struct {
	Name   string
	Pinger Pingable
}

// Periodically pings the guard's store dependencies so /health reflects
// whether admission is currently failing closed.
type Checker struct {
	mu          sync.RWMutex
	targets     []Target
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	stopChan    chan struct{}
	running     bool
}

// Holds health checker configuration
type Config struct {
	Targets     []Target
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Ping timeout (default: 5s)
	MaxFailures int           // Failures before marking unhealthy (default: 3)
}

func NewChecker(cfg *Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}

	checker := &Checker{
		targets:     cfg.Targets,
		status:      make(map[string]*Status),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		stopChan:    make(chan struct{}),
	}

	// Assume healthy until a check says otherwise
	for _, target := range cfg.Targets {
		checker.status[target.Name] = &Status{
			Name:      target.Name,
			IsHealthy: true,
			LastCheck: time.Now(),
		}
	}

	return checker
}

// Begins periodic store checks
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	log.Printf("Starting store health checks for %d targets (interval: %v)", len(c.targets), c.interval)

	c.checkAll()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.checkAll()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stops the health checker
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		log.Printf("Store health checker stopped")
	}
}

func (c *Checker) checkAll() {
	var wg sync.WaitGroup

	for _, target := range c.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			c.checkTarget(t)
		}(target)
	}

	wg.Wait()
}

func (c *Checker) checkTarget(target Target) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := target.Pinger.Ping(ctx); err != nil {
		c.recordFailure(target.Name, err)
		return
	}
	c.recordSuccess(target.Name)
}

func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = time.Now()
	status.LastSuccess = time.Now()
	status.FailureCount = 0
	status.LastError = ""

	if !status.IsHealthy {
		log.Printf("Store %s is healthy again", name)
		status.IsHealthy = true
	}
}

func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = time.Now()
	status.LastFailure = time.Now()
	status.FailureCount++
	status.LastError = err.Error()

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		log.Printf("Store %s is unhealthy (failures: %d): %v", name, status.FailureCount, err)
		status.IsHealthy = false
	}
}

// Returns health status of all store targets
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := HealthStatus{
		Healthy:      true,
		TotalTargets: len(c.targets),
		Targets:      make(map[string]*Status),
	}
	for name, status := range c.status {
		statusCopy := *status
		overall.Targets[name] = &statusCopy
		if !status.IsHealthy {
			overall.Healthy = false
		}
	}

	return overall
}
