// Package alpaca implements an ASCOM-Alpaca-style backend: a pull
// oriented HTTP API with a management endpoint listing configured
// devices and a numbered per-device API for state and properties.
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/backend"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// Alpaca reserved error numbers.
const (
	errNotImplemented = 0x400
	errInvalidValue   = 0x401
	errValueNotSet    = 0x402
	errNotConnected   = 0x407
)

// Config tunes the client.
type Config struct {
	// Name is the backend name devices are attributed to.
	Name string
	// DefaultTimeout bounds requests without their own deadline.
	DefaultTimeout time.Duration
	// ClientID identifies this client to the server. Zero picks a
	// stable default.
	ClientID uint32
	// HTTPClient overrides the transport. Nil builds a plain client.
	HTTPClient *http.Client
}

// Client speaks the Alpaca HTTP protocol to one server.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	http   *http.Client

	connected atomic.Bool
	txn       atomic.Uint32

	mu      sync.RWMutex
	base    string
	server  backend.ServerConfig
	devices map[string]*alpacaDevice

	cbMu sync.RWMutex
	cb   backend.EventCallback
}

type alpacaDevice struct {
	id        string
	name      string
	alpacaTyp string
	number    int
	uniqueID  string
	connected bool
	props     map[string]any
	seenAt    time.Time
}

// envelope is the common Alpaca response wrapper.
type envelope struct {
	Value               json.RawMessage `json:"Value"`
	ClientTransactionID uint32          `json:"ClientTransactionID"`
	ServerTransactionID uint32          `json:"ServerTransactionID"`
	ErrorNumber         int             `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
}

type configuredDevice struct {
	DeviceName   string `json:"DeviceName"`
	DeviceType   string `json:"DeviceType"`
	DeviceNumber int    `json:"DeviceNumber"`
	UniqueID     string `json:"UniqueID"`
}

// NewClient creates a client. The zero config gets Alpaca defaults.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "alpaca"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = 4030
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.DefaultTimeout}
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "alpaca").Str("backend", cfg.Name).Logger(),
		http:    httpClient,
		devices: make(map[string]*alpacaDevice),
	}
}

func (c *Client) Name() string    { return c.cfg.Name }
func (c *Client) Version() string { return "v1" }

// ConnectServer verifies the management API answers and records the
// base URL.
func (c *Client) ConnectServer(ctx context.Context, cfg backend.ServerConfig) error {
	if c.connected.Load() {
		return nil
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 11111
	}
	base := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)))

	var versions []int
	if err := c.getJSON(ctx, base+"/management/apiversions", &versions); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	supported := false
	for _, v := range versions {
		if v == 1 {
			supported = true
		}
	}
	if !supported {
		return fmt.Errorf("%w: server speaks API versions %v, need 1", domain.ErrBackendUnavailable, versions)
	}

	c.mu.Lock()
	c.base = base
	c.server = cfg
	c.devices = make(map[string]*alpacaDevice)
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info().Str("base", base).Msg("Connected to Alpaca server")
	ev := domain.NewEvent(domain.EventServerConnected, "", "", "Alpaca server connected")
	ev.Source = c.cfg.Name
	ev.Data = map[string]any{"host": cfg.Host, "port": cfg.Port}
	c.deliver(ev)
	return nil
}

// DisconnectServer forgets the server. Alpaca sessions are stateless,
// so this only drops local state.
func (c *Client) DisconnectServer(ctx context.Context) error {
	if !c.connected.Swap(false) {
		return nil
	}
	c.mu.Lock()
	c.base = ""
	c.devices = make(map[string]*alpacaDevice)
	c.mu.Unlock()

	c.logger.Info().Msg("Disconnected from Alpaca server")
	ev := domain.NewEvent(domain.EventServerDisconnected, "", "", "Alpaca server disconnected")
	ev.Source = c.cfg.Name
	c.deliver(ev)
	return nil
}

func (c *Client) IsServerConnected() bool {
	return c.connected.Load()
}

// ServerStatus reports the session basics.
func (c *Client) ServerStatus() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"connected": c.connected.Load(),
		"base":      c.base,
		"host":      c.server.Host,
		"port":      c.server.Port,
		"devices":   len(c.devices),
	}
}

// DiscoverDevices pulls the configured device list and refreshes the
// common properties of each entry.
func (c *Client) DiscoverDevices(ctx context.Context, timeout time.Duration) ([]domain.DiscoveredDevice, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var configured []configuredDevice
	if err := c.getValue(ctx, base+"/management/v1/configureddevices", &configured); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDiscoveryFailed, err)
	}

	now := time.Now()
	fresh := make(map[string]*alpacaDevice, len(configured))
	var ids []string
	for _, cd := range configured {
		id := cd.UniqueID
		if id == "" {
			id = fmt.Sprintf("%s-%d", strings.ToLower(cd.DeviceType), cd.DeviceNumber)
		}
		dev := &alpacaDevice{
			id:        id,
			name:      cd.DeviceName,
			alpacaTyp: strings.ToLower(cd.DeviceType),
			number:    cd.DeviceNumber,
			uniqueID:  cd.UniqueID,
			props:     map[string]any{},
			seenAt:    now,
		}
		for _, prop := range []string{"description", "driverversion"} {
			var v any
			if err := c.getValue(ctx, c.deviceURL(base, dev, prop), &v); err == nil {
				dev.props[prop] = v
			}
		}
		var conn bool
		if err := c.getValue(ctx, c.deviceURL(base, dev, "connected"), &conn); err == nil {
			dev.connected = conn
		}
		fresh[id] = dev
		ids = append(ids, id)
	}

	c.mu.Lock()
	var added []string
	for id := range fresh {
		if old, ok := c.devices[id]; ok {
			for k, v := range old.props {
				if _, have := fresh[id].props[k]; !have {
					fresh[id].props[k] = v
				}
			}
		} else {
			added = append(added, id)
		}
	}
	c.devices = fresh
	c.mu.Unlock()

	sort.Strings(added)
	for _, id := range added {
		ev := domain.NewEvent(domain.EventDeviceAdded, id, string(deviceTypeFromAlpaca(fresh[id].alpacaTyp)), "device found")
		ev.Source = c.cfg.Name
		c.deliver(ev)
	}

	c.logger.Debug().Int("devices", len(ids)).Msg("Alpaca discovery completed")
	return c.Devices(), nil
}

// Devices snapshots the device list from the last discovery.
func (c *Client) Devices() []domain.DiscoveredDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.DiscoveredDevice, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, c.describeLocked(dev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Device returns one discovered device by id.
func (c *Client) Device(id string) (domain.DiscoveredDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[id]
	if !ok {
		return domain.DiscoveredDevice{}, false
	}
	return c.describeLocked(dev), true
}

func (c *Client) describeLocked(dev *alpacaDevice) domain.DiscoveredDevice {
	props := map[string]any{
		"deviceNumber": dev.number,
		"alpacaType":   dev.alpacaTyp,
		"connected":    dev.connected,
	}
	for k, v := range dev.props {
		props[k] = v
	}
	if dev.uniqueID != "" {
		props["uniqueId"] = dev.uniqueID
	}
	return domain.DiscoveredDevice{
		BackendName:  c.cfg.Name,
		DeviceID:     dev.id,
		DeviceType:   deviceTypeFromAlpaca(dev.alpacaTyp),
		Label:        dev.name,
		Address:      c.base,
		Properties:   props,
		DiscoveredAt: dev.seenAt,
	}
}

// ConnectDevice sets the device's connected state and confirms it.
func (c *Client) ConnectDevice(ctx context.Context, id string) error {
	if err := c.setConnected(ctx, id, true); err != nil {
		return fmt.Errorf("connect device %s: %w", id, err)
	}
	return nil
}

// DisconnectDevice clears the device's connected state.
func (c *Client) DisconnectDevice(ctx context.Context, id string) error {
	if err := c.setConnected(ctx, id, false); err != nil {
		return fmt.Errorf("disconnect device %s: %w", id, err)
	}
	return nil
}

func (c *Client) setConnected(ctx context.Context, id string, want bool) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	dev, err := c.lookup(id)
	if err != nil {
		return err
	}

	form := url.Values{"Connected": {formatBool(want)}}
	if err := c.put(ctx, c.deviceURL(base, dev, "connected"), form); err != nil {
		return err
	}
	var confirmed bool
	if err := c.getValue(ctx, c.deviceURL(base, dev, "connected"), &confirmed); err != nil {
		return err
	}
	if confirmed != want {
		return fmt.Errorf("%w: device reports connected=%v", domain.ErrConnectionFailed, confirmed)
	}

	c.mu.Lock()
	if d, ok := c.devices[id]; ok {
		d.connected = confirmed
	}
	c.mu.Unlock()

	t := domain.EventConnected
	msg := "device connected"
	if !want {
		t = domain.EventDisconnected
		msg = "device disconnected"
	}
	ev := domain.NewEvent(t, id, string(deviceTypeFromAlpaca(dev.alpacaTyp)), msg)
	ev.Source = c.cfg.Name
	c.deliver(ev)
	return nil
}

// Property reads from the local cache. The cache fills on discovery
// and on RefreshProperty or SetProperty round trips; Alpaca has no
// push channel.
func (c *Client) Property(id, name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[id]
	if !ok {
		return nil, false
	}
	if strings.EqualFold(name, "connected") {
		return dev.connected, true
	}
	v, ok := dev.props[strings.ToLower(name)]
	return v, ok
}

// RefreshProperty fetches one property from the server and caches it.
func (c *Client) RefreshProperty(ctx context.Context, id, name string) (any, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	dev, err := c.lookup(id)
	if err != nil {
		return nil, err
	}

	var value any
	if err := c.getValue(ctx, c.deviceURL(base, dev, strings.ToLower(name)), &value); err != nil {
		return nil, fmt.Errorf("refresh %s.%s: %w", id, name, err)
	}

	c.mu.Lock()
	if d, ok := c.devices[id]; ok {
		d.props[strings.ToLower(name)] = value
	}
	c.mu.Unlock()
	return value, nil
}

// SetProperty writes one property and reads it back into the cache.
func (c *Client) SetProperty(ctx context.Context, id, name string, value any) error {
	base, err := c.baseURL()
	if err != nil {
		return err
	}
	dev, err := c.lookup(id)
	if err != nil {
		return err
	}

	method := strings.ToLower(name)
	form := url.Values{formKey(method): {formatFormValue(value)}}
	if err := c.put(ctx, c.deviceURL(base, dev, method), form); err != nil {
		return fmt.Errorf("set %s.%s: %w", id, name, err)
	}

	var echoed any
	if err := c.getValue(ctx, c.deviceURL(base, dev, method), &echoed); err != nil {
		// Write-only properties have no readback.
		echoed = value
	}

	c.mu.Lock()
	if d, ok := c.devices[id]; ok {
		d.props[method] = echoed
	}
	c.mu.Unlock()

	ev := domain.NewEvent(domain.EventPropertyChanged, id, string(deviceTypeFromAlpaca(dev.alpacaTyp)), "property updated")
	ev.Source = c.cfg.Name
	ev.Data = map[string]any{"property": method, "value": echoed}
	c.deliver(ev)
	return nil
}

// RegisterEventCallback installs the event receiver.
func (c *Client) RegisterEventCallback(cb backend.EventCallback) {
	c.cbMu.Lock()
	c.cb = cb
	c.cbMu.Unlock()
}

// UnregisterEventCallback removes the event receiver.
func (c *Client) UnregisterEventCallback() {
	c.cbMu.Lock()
	c.cb = nil
	c.cbMu.Unlock()
}

func (c *Client) deliver(ev domain.Event) {
	c.cbMu.RLock()
	cb := c.cb
	c.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (c *Client) baseURL() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected.Load() || c.base == "" {
		return "", domain.ErrServerNotConnected
	}
	return c.base, nil
}

func (c *Client) lookup(id string) (*alpacaDevice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	snapshot := *dev
	return &snapshot, nil
}

func (c *Client) deviceURL(base string, dev *alpacaDevice, method string) string {
	return fmt.Sprintf("%s/api/v1/%s/%d/%s", base, dev.alpacaTyp, dev.number, method)
}

// getValue performs a GET and decodes the envelope's Value.
func (c *Client) getValue(ctx context.Context, rawURL string, out any) error {
	env, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if out != nil && len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
	}
	return nil
}

// getJSON performs a GET against a raw JSON endpoint that may or may
// not use the envelope (apiversions does on conforming servers).
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	env, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if len(env.Value) > 0 {
		return json.Unmarshal(env.Value, out)
	}
	return fmt.Errorf("empty response")
}

func (c *Client) put(ctx context.Context, rawURL string, form url.Values) error {
	_, err := c.do(ctx, http.MethodPut, rawURL, form)
	return err
}

func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values) (*envelope, error) {
	txn := c.txn.Add(1)

	var req *http.Request
	var err error
	switch method {
	case http.MethodPut:
		if form == nil {
			form = url.Values{}
		}
		form.Set("ClientID", fmt.Sprintf("%d", c.cfg.ClientID))
		form.Set("ClientTransactionID", fmt.Sprintf("%d", txn))
		req, err = http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		u, parseErr := url.Parse(rawURL)
		if parseErr != nil {
			return nil, parseErr
		}
		q := u.Query()
		q.Set("ClientID", fmt.Sprintf("%d", c.cfg.ClientID))
		q.Set("ClientTransactionID", fmt.Sprintf("%d", txn))
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrOperationFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := alpacaError(env.ErrorNumber, env.ErrorMessage); err != nil {
		return nil, err
	}
	return &env, nil
}

// alpacaError maps reserved error numbers to domain errors.
func alpacaError(num int, msg string) error {
	switch num {
	case 0:
		return nil
	case errNotConnected:
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, msg)
	case errInvalidValue:
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, msg)
	case errValueNotSet:
		return fmt.Errorf("%w: %s", domain.ErrPropertyUnknown, msg)
	case errNotImplemented:
		return fmt.Errorf("%w: not implemented: %s", domain.ErrOperationFailed, msg)
	default:
		return fmt.Errorf("%w: alpaca error %#x: %s", domain.ErrOperationFailed, num, msg)
	}
}

func deviceTypeFromAlpaca(t string) domain.DeviceType {
	switch t {
	case "camera":
		return domain.DeviceTypeCamera
	case "telescope":
		return domain.DeviceTypeTelescope
	case "focuser":
		return domain.DeviceTypeFocuser
	case "filterwheel":
		return domain.DeviceTypeFilterWheel
	case "dome":
		return domain.DeviceTypeDome
	case "rotator":
		return domain.DeviceTypeRotator
	case "switch":
		return domain.DeviceTypeSwitch
	case "safetymonitor":
		return domain.DeviceTypeSafetyMonitor
	case "covercalibrator":
		return domain.DeviceTypeCoverCalibrator
	case "observingconditions":
		return domain.DeviceTypeObservingConditions
	case "video", "videocamera":
		return domain.DeviceTypeVideo
	default:
		return domain.DeviceTypeAuxiliary
	}
}

// formKey renders the canonical parameter name for a method, which is
// the method name with the first letter upper-cased.
func formKey(method string) string {
	if method == "" {
		return method
	}
	return strings.ToUpper(method[:1]) + method[1:]
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func formatFormValue(v any) string {
	switch t := v.(type) {
	case bool:
		return formatBool(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", v)
	}
}
