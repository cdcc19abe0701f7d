package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Runner is a component that is either running or not, such as a bus
type Runner interface {
	Running() bool
}

// Connection is a transport that knows whether its broker link is up
type Connection interface {
	IsConnected() bool
}

// BusChecker reports whether the bus is receiving
type BusChecker struct {
	bus Runner
}

// NewBusChecker creates a checker for bus
func NewBusChecker(bus Runner) *BusChecker {
	return &BusChecker{bus: bus}
}

func (c *BusChecker) Name() string {
	return "bus"
}

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Timestamp: time.Now()}
	if c.bus.Running() {
		result.Status = StatusHealthy
		result.Message = "Bus is receiving"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Bus is not running"
	}
	return result
}

// ConnectionChecker checks a broker-backed transport
type ConnectionChecker struct {
	name string
	conn Connection
}

// NewConnectionChecker creates a checker named after the transport kind
func NewConnectionChecker(name string, conn Connection) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags goroutine leaks, usually handlers that never return
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker degrades above warning goroutines and fails above critical
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
	}
	return result
}

// ComponentChecker adapts a function to Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	result.Details = details
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
