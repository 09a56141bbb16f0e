package health

import (
	"fmt"
	"time"
)

// BaseHealthChecker provides the fields every preflight check reports
type BaseHealthChecker struct {
	Name        string
	Description string
	Threshold   interface{}
}

// CreateStatusMap creates a base status map with common fields
func (b *BaseHealthChecker) CreateStatusMap(healthy bool, value interface{}, details map[string]interface{}) map[string]interface{} {
	status := map[string]interface{}{
		"name":        b.Name,
		"description": b.Description,
		"timestamp":   time.Now().Unix(),
		"value":       value,
	}

	if b.Threshold != nil {
		status["threshold"] = b.Threshold
	}

	if healthy {
		status["status"] = "healthy"
	} else {
		status["status"] = "unhealthy"
	}

	for k, v := range details {
		status[k] = v
	}

	return status
}

// CheckerWithBase is an interface for health checkers with base functionality
type CheckerWithBase interface {
	GetBase() *BaseHealthChecker
}

// PerformHealthCheck runs checkFunc and wraps its outcome in a status map.
// An unhealthy result is returned as *UnhealthyError.
func PerformHealthCheck(checker CheckerWithBase, checkFunc func() (interface{}, bool, error)) (map[string]interface{}, error) {
	base := checker.GetBase()

	value, healthy, err := checkFunc()
	if err != nil {
		status := base.CreateStatusMap(false, value, map[string]interface{}{
			"error": err.Error(),
		})
		return status, err
	}

	status := base.CreateStatusMap(healthy, value, nil)
	if !healthy {
		return status, &UnhealthyError{Check: base.Name, Value: value}
	}
	return status, nil
}

// UnhealthyError reports a check that ran but did not pass.
type UnhealthyError struct {
	Check string
	Value interface{}
}

func (e *UnhealthyError) Error() string {
	if e.Value == nil {
		return e.Check + " is unhealthy"
	}
	return fmt.Sprintf("%s is unhealthy: %v", e.Check, e.Value)
}
