// Package health probes the engine's dependencies: the ledger and catalog
// databases and the payment collaborator.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one health-checked dependency.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, http
	CheckResult
}

// HealthStatus is the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Config holds health checker configuration.
type Config struct {
	LedgerDB       *sql.DB
	CatalogDB      *sql.DB
	SuggestionDB   *sql.DB
	PaymentBaseURL string

	DBTimeout          time.Duration
	HTTPTimeout        time.Duration
	MaxDatabaseLatency time.Duration
}

// Checker performs health checks on the engine's components.
type Checker struct {
	components []Component
	mu         sync.RWMutex

	ledgerDB     *sql.DB
	catalogDB    *sql.DB
	suggestionDB *sql.DB

	paymentBaseURL string

	dbTimeout          time.Duration
	httpTimeout        time.Duration
	maxDatabaseLatency time.Duration
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}

	return &Checker{
		ledgerDB:           cfg.LedgerDB,
		catalogDB:          cfg.CatalogDB,
		suggestionDB:       cfg.SuggestionDB,
		paymentBaseURL:     cfg.PaymentBaseURL,
		dbTimeout:          cfg.DBTimeout,
		httpTimeout:        cfg.HTTPTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check runs all component checks concurrently and returns overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, 8)

	dbs := []struct {
		name string
		db   *sql.DB
	}{
		{"ledger_db", c.ledgerDB},
		{"catalog_db", c.catalogDB},
		{"suggestion_db", c.suggestionDB},
	}
	for _, d := range dbs {
		if d.db == nil {
			continue
		}
		wg.Add(1)
		go func(name string, db *sql.DB) {
			defer wg.Done()
			results <- c.checkDatabase(ctx, name, db)
		}(d.name, d.db)
	}

	if c.paymentBaseURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, "payment_api", c.paymentBaseURL)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0)
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

func (c *Checker) checkDatabase(ctx context.Context, name string, db *sql.DB) Component {
	comp := Component{
		Name: name,
		Type: "database",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	err := db.PingContext(dbCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
		return comp
	}

	if comp.Latency > c.maxDatabaseLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}

	return comp
}

func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{
		Name: name,
		Type: "http",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()
	client := &http.Client{Timeout: c.httpTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}

	resp, err := client.Do(req)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response, even 4xx/5xx, counts as reachable.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)

	return comp
}

func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			// Database failures are critical.
			if comp.Type == "database" {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// GetLastStatus returns the result of the most recent Check.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}

	return c.calculateOverallStatus(c.components)
}
