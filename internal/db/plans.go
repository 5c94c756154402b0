package db

import (
	"database/sql"
	"fmt"
)

// PlanLimits are the quotas attached to a billing plan.
type PlanLimits struct {
	Name                  string
	MaxConcurrent         int
	MonthlyBandwidthBytes int64
	MayRequestSubdomain   bool
	TunnelRatePerHour     int
}

// Built-in plan defaults, used when the plans table has no row. The table
// exists so operators can tune limits without a deploy.
var defaultPlans = map[string]PlanLimits{
	"free": {
		Name:                  "free",
		MaxConcurrent:         5,
		MonthlyBandwidthBytes: 5 << 30, // 5 GiB
		MayRequestSubdomain:   false,
		TunnelRatePerHour:     12,
	},
	"hobby": {
		Name:                  "hobby",
		MaxConcurrent:         15,
		MonthlyBandwidthBytes: 50 << 30,
		MayRequestSubdomain:   true,
		TunnelRatePerHour:     60,
	},
	"pro": {
		Name:                  "pro",
		MaxConcurrent:         50,
		MonthlyBandwidthBytes: 500 << 30,
		MayRequestSubdomain:   true,
		TunnelRatePerHour:     300,
	},
}

// DefaultPlan returns the built-in limits for a plan name, falling back to
// the free plan for unknown names.
func DefaultPlan(name string) PlanLimits {
	if p, ok := defaultPlans[name]; ok {
		return p
	}
	return defaultPlans["free"]
}

// GetPlanLimits returns the limits for a plan, preferring a row in the plans
// table over the built-in defaults.
func (db *DB) GetPlanLimits(name string) (PlanLimits, error) {
	p := PlanLimits{}
	err := db.QueryRow(
		`SELECT name, max_concurrent, monthly_bandwidth_bytes, may_request_subdomain, tunnel_rate_per_hour
		 FROM plans WHERE name = $1`,
		name,
	).Scan(&p.Name, &p.MaxConcurrent, &p.MonthlyBandwidthBytes, &p.MayRequestSubdomain, &p.TunnelRatePerHour)
	if err == sql.ErrNoRows {
		return DefaultPlan(name), nil
	}
	if err != nil {
		return PlanLimits{}, fmt.Errorf("get plan limits: %w", err)
	}
	return p, nil
}
