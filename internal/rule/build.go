package rule

import "github.com/routeway/gateway/internal/config"

// FromConfig builds the immutable rule table from loaded configuration.
// Called at startup and again on every successful hot reload; the previous
// table keeps serving in-flight requests.
func FromConfig(cfg *config.Config) *Table {
	rules := make([]*Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		breakers := make([]*BreakerConfig, 0, len(rc.Breakers))
		for _, bc := range rc.Breakers {
			breakers = append(breakers, &BreakerConfig{
				Path:             bc.Path,
				MaxConcurrent:    bc.MaxConcurrent,
				Timeout:          bc.Timeout(),
				FallbackStatus:   bc.FallbackStatus,
				FallbackBody:     []byte(bc.FallbackBody),
				WindowSize:       bc.WindowSize,
				FailureThreshold: bc.FailureThreshold,
				ResetTimeout:     bc.ResetTimeout,
				HalfOpenMax:      bc.HalfOpenMax,
			})
		}
		rules = append(rules, New(rc.ID, rc.PathPrefix, rc.Backend, rc.MaxRetries, breakers))
	}
	return NewTable(rules)
}
