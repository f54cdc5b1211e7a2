package metrics

import "context"

// Check is a named subcomponent ping contributing to an overall Health
// snapshot.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Status is the outcome of one Check.
type Status struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "error"
	Error  string `json:"error,omitempty"`
}

// Health runs a fixed set of Checks and aggregates their outcomes.
type Health struct {
	checks []Check
}

// NewHealth returns a Health aggregator over checks.
func NewHealth(checks ...Check) *Health { return &Health{checks: checks} }

// Report is the JSON body served by GET /health:
// {status, timestamp, checks, uptime}.
type Report struct {
	Status    string   `json:"status"`
	Timestamp int64    `json:"timestamp"`
	Checks    []Status `json:"checks"`
	UptimeMs  int64    `json:"uptime_ms"`
}

// Run pings every configured Check and returns the aggregate Report.
// now and uptimeMs are supplied by the caller so Health stays free of
// direct time dependencies, keeping it trivially testable.
func (h *Health) Run(ctx context.Context, now int64, uptimeMs int64) Report {
	var report = Report{Status: "ok", Timestamp: now, UptimeMs: uptimeMs}
	for _, c := range h.checks {
		var s = Status{Name: c.Name, Status: "ok"}
		if err := c.Ping(ctx); err != nil {
			s.Status = "error"
			s.Error = err.Error()
			report.Status = "degraded"
		}
		report.Checks = append(report.Checks, s)
	}
	return report
}
