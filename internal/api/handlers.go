package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/registry"
)

// =============================================================================
// Devices
// =============================================================================

// deviceRequest is the JSON body for creating a device. It mirrors a
// roster entry: a backend name routes creation through that backend's
// driver bridge, no backend means a simulated device.
type deviceRequest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Driver      string         `json:"driver,omitempty"`
	Backend     string         `json:"backend,omitempty"`
	Connection  string         `json:"connection,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	AutoConnect bool           `json:"autoConnect,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func (s *Server) devicesRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getDevices(w, r)
	case http.MethodPost:
		s.createDevice(w, r)
	case http.MethodPut:
		s.updateDevice(w, r)
	case http.MethodDelete:
		s.deleteDevice(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		info, err := s.mgr.Device(name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, info)
		return
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		s.writeJSON(w, http.StatusOK, s.mgr.DevicesByType(domain.DeviceType(typ)))
		return
	}
	s.writeJSON(w, http.StatusOK, s.mgr.Devices())
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := domain.ValidateName(req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	typ := domain.DeviceType(req.Type)
	if !typ.IsValid() {
		s.writeError(w, fmt.Errorf("%w: unknown device type %q", domain.ErrInvalidConfig, req.Type))
		return
	}

	spec := config.DeviceSpec{
		Name:        req.Name,
		Type:        typ,
		Backend:     req.Backend,
		Driver:      req.Driver,
		AutoConnect: req.AutoConnect,
		Retry:       domain.DefaultRetryPolicy(),
		Meta: &domain.DeviceMetadata{
			DisplayName:      req.Name,
			DriverName:       req.Driver,
			ConnectionString: req.Connection,
			Priority:         req.Priority,
			AutoConnect:      req.AutoConnect,
			CustomProperties: req.Properties,
		},
	}

	added, err := s.mgr.ApplyRoster(r.Context(), []config.DeviceSpec{spec})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"added": added})
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string                `json:"name"`
		Metadata domain.DeviceMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.mgr.UpdateMetadata(req.Name, req.Metadata); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Device name is required", http.StatusBadRequest)
		return
	}
	if err := s.mgr.RemoveDevice(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// batchStatus is the JSON shape of one batch connect/disconnect result.
type batchStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func batchStatuses(results []registry.BatchResult) []batchStatus {
	out := make([]batchStatus, 0, len(results))
	for _, res := range results {
		st := batchStatus{Name: res.Name, OK: res.OK()}
		if res.Err != nil {
			st.Error = res.Err.Error()
		}
		out = append(out, st)
	}
	return out
}

// connectHandler connects one device (?name=), a listed set (JSON body
// {"names": [...]}), or every auto-connect device when neither is
// given.
func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		if err := s.mgr.ConnectDevice(r.Context(), name); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
		return
	}

	var req struct {
		Names []string `json:"names"`
	}
	if r.Body != nil {
		// Body is optional. Decode errors other than an empty body are
		// real client errors.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	var results []registry.BatchResult
	if len(req.Names) > 0 {
		results = s.mgr.ConnectMany(r.Context(), req.Names)
	} else {
		results = s.mgr.ConnectAuto(r.Context())
	}
	s.writeJSON(w, http.StatusOK, batchStatuses(results))
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		if err := s.mgr.DisconnectDevice(r.Context(), name); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
		return
	}

	var req struct {
		Names []string `json:"names"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, batchStatuses(s.mgr.DisconnectMany(r.Context(), req.Names)))
}

func (s *Server) primaryRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		typ := r.URL.Query().Get("type")
		if typ == "" {
			http.Error(w, "Device type is required", http.StatusBadRequest)
			return
		}
		info, err := s.mgr.PrimaryDevice(domain.DeviceType(typ))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, info)
	case http.MethodPost:
		var req struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.mgr.SetPrimary(domain.DeviceType(req.Type), req.Name); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "primary set"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) propertiesRoute(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Device name is required", http.StatusBadRequest)
		return
	}
	property := r.URL.Query().Get("property")

	switch r.Method {
	case http.MethodGet:
		if property == "" {
			names, err := s.mgr.ListProperties(name)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]any{"device": name, "properties": names})
			return
		}
		value, err := s.mgr.Property(name, property)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"device":   name,
			"property": property,
			"value":    value,
		})
	case http.MethodPut, http.MethodPost:
		if property == "" {
			http.Error(w, "Property name is required", http.StatusBadRequest)
			return
		}
		var req struct {
			Value any `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.mgr.SetProperty(name, property, req.Value); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "property set"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Device name is required", http.StatusBadRequest)
		return
	}
	if err := s.mgr.ResetDevice(r.Context(), name, 0); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) diagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Device name is required", http.StatusBadRequest)
		return
	}
	if err := s.mgr.RunDiagnostics(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "passed"})
}

func (s *Server) deviceMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeJSON(w, http.StatusOK, s.mgr.Monitor().AllMetrics())
		return
	}
	dm, ok := s.mgr.Monitor().Metrics(name)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name))
		return
	}
	s.writeJSON(w, http.StatusOK, dm)
}

func (s *Server) unhealthyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	threshold := 0.0
	if v := r.URL.Query().Get("threshold"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "Invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = parsed
	}
	s.writeJSON(w, http.StatusOK, s.mgr.UnhealthyDevices(threshold))
}

// =============================================================================
// Tasks
// =============================================================================

// taskRequest submits a named device operation to the scheduler.
// Durations travel as milliseconds, matching the event wire shape.
type taskRequest struct {
	Name           string                       `json:"name"`
	Device         string                       `json:"device,omitempty"`
	Operation      string                       `json:"operation"`
	Params         map[string]any               `json:"params,omitempty"`
	Priority       string                       `json:"priority,omitempty"`
	Exclusive      bool                         `json:"exclusive,omitempty"`
	Deadline       time.Time                    `json:"deadline,omitempty"`
	EstimatedMS    int64                        `json:"estimatedDurationMs,omitempty"`
	MaxExecutionMS int64                        `json:"maxExecutionMs,omitempty"`
	DependsOn      []taskDependency             `json:"dependsOn,omitempty"`
	Resources      []domain.ResourceRequirement `json:"resources,omitempty"`
}

type taskDependency struct {
	TaskID string `json:"taskId"`
	Kind   string `json:"kind,omitempty"`
}

func parseDependencyKind(s string) domain.DependencyKind {
	switch s {
	case "soft":
		return domain.DependencySoft
	case "conditional":
		return domain.DependencyConditional
	case "ordering":
		return domain.DependencyOrdering
	default:
		return domain.DependencyHard
	}
}

func (s *Server) tasksRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			snap, ok := s.mgr.Task(id)
			if !ok {
				s.writeError(w, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id))
				return
			}
			s.writeJSON(w, http.StatusOK, snap)
			return
		}
		s.writeJSON(w, http.StatusOK, s.mgr.Tasks())
	case http.MethodPost:
		s.submitTask(w, r)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Task ID is required", http.StatusBadRequest)
			return
		}
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "cancelled via API"
		}
		if err := s.mgr.CancelTask(id, reason); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	fn, err := s.taskFunc(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	task := &domain.Task{
		Name:              req.Name,
		DeviceName:        req.Device,
		Priority:          domain.ParseTaskPriority(req.Priority),
		Deadline:          req.Deadline,
		EstimatedDuration: time.Duration(req.EstimatedMS) * time.Millisecond,
		MaxExecutionTime:  time.Duration(req.MaxExecutionMS) * time.Millisecond,
		Resources:         req.Resources,
		Func:              fn,
	}
	if req.Exclusive {
		task.Mode = domain.ModeExclusive
	}
	for _, dep := range req.DependsOn {
		task.Dependencies = append(task.Dependencies, domain.Dependency{
			TaskID: dep.TaskID,
			Kind:   parseDependencyKind(dep.Kind),
		})
	}

	handle, err := s.mgr.Submit(task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": handle.ID()})
}

// taskFunc maps an operation name onto a task body running against the
// manager facade. The scheduler resolves drv for device-bound tasks.
func (s *Server) taskFunc(req taskRequest) (domain.TaskFunc, error) {
	switch req.Operation {
	case "connect":
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			return nil, s.mgr.ConnectDevice(ctx, req.Device)
		}, nil
	case "disconnect":
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			return nil, s.mgr.DisconnectDevice(ctx, req.Device)
		}, nil
	case "scan":
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			return drv.Scan(ctx)
		}, nil
	case "diagnostics":
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			return nil, s.mgr.RunDiagnostics(ctx, req.Device)
		}, nil
	case "reset":
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			return nil, s.mgr.ResetDevice(ctx, req.Device, 0)
		}, nil
	case "get_property":
		prop, _ := req.Params["property"].(string)
		if prop == "" {
			return nil, fmt.Errorf("%w: get_property needs params.property", domain.ErrInvalidConfig)
		}
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			return s.mgr.Property(req.Device, prop)
		}, nil
	case "set_property":
		prop, _ := req.Params["property"].(string)
		if prop == "" {
			return nil, fmt.Errorf("%w: set_property needs params.property", domain.ErrInvalidConfig)
		}
		value := req.Params["value"]
		return func(ctx context.Context, drv domain.Driver) (any, error) {
			return nil, s.mgr.SetProperty(req.Device, prop, value)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidConfig, req.Operation)
	}
}

func (s *Server) migrateTaskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ID     string `json:"id"`
		Device string `json:"device"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.mgr.MigrateTask(req.ID, req.Device); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}

// =============================================================================
// Alerts
// =============================================================================

func (s *Server) alertsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		alerts := s.mgr.Monitor().ActiveAlerts()
		if device := r.URL.Query().Get("device"); device != "" {
			filtered := alerts[:0]
			for _, a := range alerts {
				if a.DeviceName == device {
					filtered = append(filtered, a)
				}
			}
			alerts = filtered
		}
		s.writeJSON(w, http.StatusOK, alerts)
	case http.MethodDelete:
		cleared := s.mgr.Monitor().ClearAlerts(r.URL.Query().Get("device"))
		s.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) ackAlertHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ID uint64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !s.mgr.Monitor().AcknowledgeAlert(req.ID) {
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// =============================================================================
// Backends
// =============================================================================

// backendInfo is the JSON status of one registered backend.
type backendInfo struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Connected bool           `json:"connected"`
	Devices   int            `json:"devices"`
	Status    map[string]any `json:"status,omitempty"`
}

func (s *Server) backendsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	reg := s.mgr.Backends()
	infos := make([]backendInfo, 0)
	for _, name := range reg.Names() {
		b, err := reg.Backend(name)
		if err != nil {
			infos = append(infos, backendInfo{Name: name, Status: map[string]any{"error": err.Error()}})
			continue
		}
		infos = append(infos, backendInfo{
			Name:      b.Name(),
			Version:   b.Version(),
			Connected: b.IsServerConnected(),
			Devices:   len(b.Devices()),
			Status:    b.ServerStatus(),
		})
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) discoverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		AutoConnect bool  `json:"autoConnect"`
		TimeoutMS   int64 `json:"timeoutMs"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	opts := registry.DiscoverOptions{
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		AutoConnect: req.AutoConnect,
	}

	var (
		added []string
		err   error
	)
	if backendName := r.URL.Query().Get("backend"); backendName != "" {
		added, err = s.mgr.Discover(r.Context(), backendName, opts)
	} else {
		added, err = s.mgr.DiscoverAll(r.Context(), opts)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"registered": added})
}

// =============================================================================
// System
// =============================================================================

func (s *Server) performanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.mgr.Monitor().SystemPerformance())
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.mgr.Stats())
}

// =============================================================================
// Configuration snapshots
// =============================================================================

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	data, err := s.mgr.ExportConfiguration(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) importHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if err := s.mgr.ImportConfiguration(r.Context(), data); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}
