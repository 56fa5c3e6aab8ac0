package monitor

import "time"

// ActiveAlerts returns a copy of the active alert list, oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	out := make([]Alert, len(m.active))
	copy(out, m.active)
	return out
}

// AcknowledgeAlert marks the alert with the given ID as acknowledged.
// It reports whether the alert was found.
func (m *Monitor) AcknowledgeAlert(id uint64) bool {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	for i := range m.active {
		if m.active[i].ID == id {
			m.active[i].Acknowledged = true
			return true
		}
	}
	return false
}

// ClearAlerts removes active alerts for the named device, or every
// alert when deviceName is empty. It returns the number removed.
// Clearing does not reset the per-device cooldown.
func (m *Monitor) ClearAlerts(deviceName string) int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if deviceName == "" {
		n := len(m.active)
		m.active = nil
		return n
	}
	kept := m.active[:0]
	removed := 0
	for _, a := range m.active {
		if a.DeviceName == deviceName {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.active = kept
	return removed
}

// SystemPerformance is an aggregate view over all tracked devices.
// Averages cover devices with at least one recorded operation; system
// load is the mean reported CPU usage across all tracked devices.
type SystemPerformance struct {
	TotalDevices        int           `json:"totalDevices"`
	ActiveDevices       int           `json:"activeDevices"`
	HealthyDevices      int           `json:"healthyDevices"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	AverageErrorRate    float64       `json:"averageErrorRate"`
	TotalOperations     uint64        `json:"totalOperations"`
	ActiveAlerts        int           `json:"activeAlerts"`
	SystemLoad          float64       `json:"systemLoad"`
	GeneratedAt         time.Time     `json:"generatedAt"`
}

// SystemPerformance aggregates current metrics across every tracked
// device into a single snapshot.
func (m *Monitor) SystemPerformance() SystemPerformance {
	all := m.AllMetrics()
	perf := SystemPerformance{
		TotalDevices: len(all),
		GeneratedAt:  time.Now(),
	}

	var rtSum time.Duration
	var errSum, loadSum float64
	for _, dm := range all {
		perf.TotalOperations += dm.TotalOperations
		if dm.HealthScore >= m.cfg.HealthyThreshold {
			perf.HealthyDevices++
		}
		loadSum += dm.CPUUsage
		if dm.TotalOperations > 0 {
			perf.ActiveDevices++
			rtSum += dm.ResponseTime
			errSum += dm.ErrorRate
		}
	}
	if perf.ActiveDevices > 0 {
		perf.AverageResponseTime = rtSum / time.Duration(perf.ActiveDevices)
		perf.AverageErrorRate = errSum / float64(perf.ActiveDevices)
	}
	if perf.TotalDevices > 0 {
		perf.SystemLoad = loadSum / float64(perf.TotalDevices)
	}

	m.activeMu.Lock()
	perf.ActiveAlerts = len(m.active)
	m.activeMu.Unlock()

	return perf
}
