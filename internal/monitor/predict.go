package monitor

import (
	"fmt"
	"time"
)

// PredictResponseTime extrapolates the device's response time at
// now+horizon by fitting a least-squares line through its history.
// It is a pure function over recorded samples; with fewer than two
// samples there is no trend and ok is false.
func (m *Monitor) PredictResponseTime(deviceName string, horizon time.Duration) (time.Duration, bool) {
	history := m.History(deviceName, 0)
	if len(history) < 2 {
		return 0, false
	}

	// x in seconds relative to the first sample, y in seconds.
	t0 := history[0].LastUpdated
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(history))
	for _, s := range history {
		x := s.LastUpdated.Sub(t0).Seconds()
		y := s.ResponseTime.Seconds()
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	x := history[len(history)-1].LastUpdated.Add(horizon).Sub(t0).Seconds()
	predicted := slope*x + intercept
	if predicted < 0 {
		predicted = 0
	}
	return time.Duration(predicted * float64(time.Second)), true
}

// OptimizationSuggestions derives tuning hints from the device's
// current metrics. It is advisory and side-effect free; an empty slice
// means nothing stands out.
func (m *Monitor) OptimizationSuggestions(deviceName string) []string {
	dm, ok := m.Metrics(deviceName)
	if !ok {
		return nil
	}

	var out []string
	if dm.ErrorRate > 0.2 {
		out = append(out, fmt.Sprintf("error rate %.0f%%: check connectivity or lower the retry budget", dm.ErrorRate*100))
	}
	if dm.ConsecutiveErrors >= 3 {
		out = append(out, "repeated consecutive failures: consider a reset or diagnostics run")
	}
	if dm.ResponseTime > 2*time.Second {
		out = append(out, "slow responses: increase operation timeout or reduce concurrent load")
	}
	if dm.QueueDepth > 10 {
		out = append(out, fmt.Sprintf("queue depth %d: add workers or spread tasks across devices", dm.QueueDepth))
	}
	if dm.HealthScore < m.cfg.HealthyThreshold {
		out = append(out, "health below threshold: schedule maintenance before new work")
	}
	return out
}
