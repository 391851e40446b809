package admin

import (
	"strconv"
	"time"

	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/stats"
)

// StatsSource is the view of the stats sync the admin surfaces need.
type StatsSource interface {
	Store() *stats.Store
	BrokerState() string
	ResetDaily()
}

type CountersView struct {
	Requests     int64            `json:"requests"`
	Failures     int64            `json:"failures"`
	SuccessTotal int64            `json:"success_total"`
	Success      map[string]int64 `json:"success"`
}

type StatsView struct {
	Daily       CountersView       `json:"daily"`
	Total       CountersView       `json:"total"`
	DailySince  time.Time          `json:"daily_since"`
	BrokerState string             `json:"broker_state"`
	Recent      obs.RecentOutcomes `json:"recent"`
}

func buildView(source StatsSource, metrics *obs.Metrics) StatsView {
	snapshot := source.Store().Snapshot()
	return StatsView{
		Daily:       countersView(snapshot.Daily),
		Total:       countersView(snapshot.Total),
		DailySince:  snapshot.DailySince,
		BrokerState: source.BrokerState(),
		Recent:      metrics.Recent(),
	}
}

func countersView(c stats.Counters) CountersView {
	view := CountersView{
		Requests:     c.Requests,
		Failures:     c.Failures,
		SuccessTotal: c.SuccessTotal(),
		Success:      make(map[string]int64, len(c.Success)),
	}
	for _, retry := range c.SuccessRetries() {
		view.Success[strconv.Itoa(retry)] = c.Success[retry]
	}
	return view
}

// fields renders the view as the loosely typed map carried by structpb.
func (v StatsView) fields() map[string]interface{} {
	outcomes := make(map[string]interface{}, len(v.Recent.Outcomes))
	for outcome, n := range v.Recent.Outcomes {
		outcomes[outcome] = n
	}
	return map[string]interface{}{
		"daily":        v.Daily.fields(),
		"total":        v.Total.fields(),
		"daily_since":  v.DailySince.UTC().Format(time.RFC3339),
		"broker_state": v.BrokerState,
		"recent": map[string]interface{}{
			"window_seconds": v.Recent.WindowSeconds,
			"total":          v.Recent.Total,
			"outcomes":       outcomes,
		},
	}
}

func (c CountersView) fields() map[string]interface{} {
	success := make(map[string]interface{}, len(c.Success))
	for retry, n := range c.Success {
		success[retry] = n
	}
	return map[string]interface{}{
		"requests":      c.Requests,
		"failures":      c.Failures,
		"success_total": c.SuccessTotal,
		"success":       success,
	}
}
