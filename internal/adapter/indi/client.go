package indi

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/backend"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// Dialer opens the wire transport. Production uses net.Dialer; tests
// inject an in-memory pipe.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// DRIVER_INTERFACE bits published by device drivers.
const (
	ifTelescope = 1 << 0
	ifCCD       = 1 << 1
	ifGuider    = 1 << 2
	ifFocuser   = 1 << 3
	ifFilter    = 1 << 4
	ifDome      = 1 << 5
	ifGPS       = 1 << 6
	ifWeather   = 1 << 7
	ifAO        = 1 << 8
	ifDustCap   = 1 << 9
	ifLightBox  = 1 << 10
	ifDetector  = 1 << 11
	ifRotator   = 1 << 12
)

// deviceTypeFromInterface maps the driver interface mask to the device
// type. Imaging beats mount when a driver claims both.
func deviceTypeFromInterface(mask int) domain.DeviceType {
	switch {
	case mask&ifCCD != 0:
		return domain.DeviceTypeCamera
	case mask&ifTelescope != 0:
		return domain.DeviceTypeTelescope
	case mask&ifFocuser != 0:
		return domain.DeviceTypeFocuser
	case mask&ifFilter != 0:
		return domain.DeviceTypeFilterWheel
	case mask&ifDome != 0:
		return domain.DeviceTypeDome
	case mask&ifRotator != 0:
		return domain.DeviceTypeRotator
	case mask&ifGuider != 0:
		return domain.DeviceTypeGuider
	case mask&ifWeather != 0:
		return domain.DeviceTypeWeather
	case mask&ifGPS != 0:
		return domain.DeviceTypeGPS
	default:
		return domain.DeviceTypeAuxiliary
	}
}

// Config tunes the client.
type Config struct {
	// Name is the backend name devices are attributed to.
	Name string
	// DefaultTimeout bounds operations without their own deadline.
	DefaultTimeout time.Duration
	// EventBuffer sizes the event queue between the read pump and the
	// callback. Overflow drops the newest event.
	EventBuffer int
	// Dialer opens the server connection.
	Dialer Dialer
}

// Client speaks the INDI XML protocol to one server and maintains the
// pushed device and property model.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	connected atomic.Bool

	lifeMu sync.Mutex

	mu          sync.RWMutex
	conn        net.Conn
	stop        chan struct{}
	events      chan domain.Event
	server      backend.ServerConfig
	devices     map[string]*deviceModel
	connectedAt time.Time

	cbMu sync.RWMutex
	cb   backend.EventCallback

	writeMu sync.Mutex
	wg      sync.WaitGroup

	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	parseErrors atomic.Uint64
	dropped     atomic.Uint64
}

type deviceModel struct {
	name    string
	vectors map[string]*Vector
	seenAt  time.Time
}

// NewClient creates a client. The zero config gets the standard INDI
// defaults and a TCP dialer.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "indi"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Dialer == nil {
		var d net.Dialer
		cfg.Dialer = d.DialContext
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "indi").Str("backend", cfg.Name).Logger(),
		devices: make(map[string]*deviceModel),
	}
}

func (c *Client) Name() string    { return c.cfg.Name }
func (c *Client) Version() string { return protocolVersion }

// ConnectServer dials the server, starts the read pump, and requests
// the full property snapshot.
func (c *Client) ConnectServer(ctx context.Context, cfg backend.ServerConfig) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.connected.Load() {
		return nil
	}
	c.teardown()

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 7624
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := c.cfg.Dialer(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrBackendUnavailable, addr, err)
	}

	stop := make(chan struct{})
	events := make(chan domain.Event, c.cfg.EventBuffer)

	c.mu.Lock()
	c.conn = conn
	c.stop = stop
	c.events = events
	c.server = cfg
	c.devices = make(map[string]*deviceModel)
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(2)
	go c.readLoop(conn, stop, events)
	go c.dispatchLoop(stop, events)

	if err := c.send(xmlGetProperties{Version: protocolVersion}); err != nil {
		c.teardown()
		return err
	}

	c.logger.Info().Str("addr", addr).Msg("Connected to INDI server")
	ev := domain.NewEvent(domain.EventServerConnected, "", "", "INDI server connected")
	ev.Source = c.cfg.Name
	ev.Data = map[string]any{"host": cfg.Host, "port": cfg.Port}
	c.deliver(ev)
	return nil
}

// DisconnectServer closes the session. The device model is dropped.
func (c *Client) DisconnectServer(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.teardown() {
		return nil
	}
	c.mu.Lock()
	c.devices = make(map[string]*deviceModel)
	c.mu.Unlock()
	c.logger.Info().Msg("Disconnected from INDI server")
	ev := domain.NewEvent(domain.EventServerDisconnected, "", "", "INDI server disconnected")
	ev.Source = c.cfg.Name
	c.deliver(ev)
	return nil
}

// teardown closes the current session if one exists. Safe to call with
// no session.
func (c *Client) teardown() bool {
	c.mu.Lock()
	conn, stop := c.conn, c.stop
	c.conn, c.stop, c.events = nil, nil, nil
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	c.connected.Store(false)
	close(stop)
	_ = conn.Close()
	c.wg.Wait()
	return true
}

func (c *Client) IsServerConnected() bool {
	return c.connected.Load()
}

// ServerStatus reports the session and traffic counters.
func (c *Client) ServerStatus() map[string]any {
	c.mu.RLock()
	server := c.server
	deviceCount := len(c.devices)
	connectedAt := c.connectedAt
	c.mu.RUnlock()

	status := map[string]any{
		"connected":     c.connected.Load(),
		"host":          server.Host,
		"port":          server.Port,
		"devices":       deviceCount,
		"messagesIn":    c.messagesIn.Load(),
		"messagesOut":   c.messagesOut.Load(),
		"parseErrors":   c.parseErrors.Load(),
		"droppedEvents": c.dropped.Load(),
	}
	if c.connected.Load() {
		status["uptimeSeconds"] = time.Since(connectedAt).Seconds()
	}
	return status
}

// DiscoverDevices refreshes the property snapshot and waits for the
// pushed definitions to settle, at most timeout.
func (c *Client) DiscoverDevices(ctx context.Context, timeout time.Duration) ([]domain.DiscoveredDevice, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("%w: %s", domain.ErrServerNotConnected, c.cfg.Name)
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if err := c.send(xmlGetProperties{Version: protocolVersion}); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	stable := 0
	last := -1
	for {
		select {
		case <-ctx.Done():
			return c.Devices(), nil
		case <-ticker.C:
		}
		c.mu.RLock()
		count := len(c.devices)
		c.mu.RUnlock()
		if count > 0 && count == last {
			stable++
			if stable >= 3 {
				break
			}
		} else {
			stable = 0
		}
		last = count
		if time.Now().After(deadline) {
			break
		}
	}
	return c.Devices(), nil
}

// Devices snapshots the current device model without waiting.
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

func (c *Client) describeLocked(dev *deviceModel) domain.DiscoveredDevice {
	props := map[string]any{}
	label := dev.name
	typ := domain.DeviceTypeAuxiliary
	if info, ok := dev.vectors["DRIVER_INFO"]; ok {
		if v, ok := info.Value("DRIVER_NAME"); ok {
			props["driverName"] = v
			if s, ok := v.(string); ok && s != "" {
				label = s
			}
		}
		if v, ok := info.Value("DRIVER_VERSION"); ok {
			props["driverVersion"] = v
		}
		if v, ok := info.Value("DRIVER_INTERFACE"); ok {
			if s, ok := v.(string); ok {
				var mask int
				fmt.Sscanf(strings.TrimSpace(s), "%d", &mask)
				props["driverInterface"] = mask
				typ = deviceTypeFromInterface(mask)
			}
		}
	}
	return domain.DiscoveredDevice{
		BackendName:  c.cfg.Name,
		DeviceID:     dev.name,
		DeviceType:   typ,
		Label:        label,
		Address:      net.JoinHostPort(c.server.Host, fmt.Sprintf("%d", c.server.Port)),
		Properties:   props,
		DiscoveredAt: dev.seenAt,
	}
}

// ConnectDevice drives the device's CONNECTION switch and waits for the
// driver to acknowledge.
func (c *Client) ConnectDevice(ctx context.Context, id string) error {
	if err := c.setSwitchAndWait(ctx, id, "CONNECT", "DISCONNECT", func(v *Vector) bool {
		it, ok := v.Item("CONNECT")
		return ok && it.On()
	}); err != nil {
		return fmt.Errorf("connect device %s: %w", id, err)
	}
	return nil
}

// DisconnectDevice drives the device's CONNECTION switch off.
func (c *Client) DisconnectDevice(ctx context.Context, id string) error {
	if err := c.setSwitchAndWait(ctx, id, "DISCONNECT", "CONNECT", func(v *Vector) bool {
		it, ok := v.Item("CONNECT")
		return ok && !it.On()
	}); err != nil {
		return fmt.Errorf("disconnect device %s: %w", id, err)
	}
	return nil
}

func (c *Client) setSwitchAndWait(ctx context.Context, id, on, off string, done func(*Vector) bool) error {
	if !c.connected.Load() {
		return domain.ErrServerNotConnected
	}
	// Mark the vector Busy before the request leaves so a stale Ok or
	// Alert from an earlier attempt cannot satisfy the wait.
	c.mu.Lock()
	dev, ok := c.devices[id]
	var v *Vector
	if ok {
		v = dev.vectors["CONNECTION"]
	}
	if v != nil {
		v.State = StateBusy
	}
	c.mu.Unlock()
	if !ok {
		return domain.ErrDeviceNotFound
	}
	if v == nil {
		return fmt.Errorf("%w: CONNECTION", domain.ErrPropertyUnknown)
	}

	payload := newVectorPayload(Switch, id, "CONNECTION", map[string]string{on: "On", off: "Off"})
	if err := c.send(payload); err != nil {
		return err
	}

	return c.waitFor(ctx, id, "CONNECTION", done)
}

// waitFor polls the model until cond holds, the vector goes Alert, or
// the deadline passes.
func (c *Client) waitFor(ctx context.Context, device, vector string, cond func(*Vector) bool) error {
	deadline := time.Now().Add(c.cfg.DefaultTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.RLock()
		var v *Vector
		if dev, ok := c.devices[device]; ok {
			if vec, ok := dev.vectors[vector]; ok {
				v = vec.clone()
			}
		}
		c.mu.RUnlock()
		if v != nil {
			if v.State == StateAlert {
				return domain.ErrConnectionFailed
			}
			if v.State != StateBusy && cond(v) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return domain.ErrCancelled
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return domain.ErrTimeout
		}
	}
}

// Property resolves "VECTOR" to a value map or "VECTOR.MEMBER" to the
// member's coerced value.
func (c *Client) Property(id, name string) (any, bool) {
	vecName, member, hasMember := strings.Cut(name, ".")
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[id]
	if !ok {
		return nil, false
	}
	v, ok := dev.vectors[vecName]
	if !ok {
		return nil, false
	}
	if hasMember {
		return v.Value(member)
	}
	return v.Values(), true
}

// SetProperty sends a newXXXVector for "VECTOR.MEMBER" with a scalar,
// or "VECTOR" with a map of member values. OneOfMany switches get the
// unnamed members forced off so the selection stays exclusive.
func (c *Client) SetProperty(ctx context.Context, id, name string, value any) error {
	if !c.connected.Load() {
		return domain.ErrServerNotConnected
	}
	vecName, member, hasMember := strings.Cut(name, ".")

	c.mu.Lock()
	dev, ok := c.devices[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	v, ok := dev.vectors[vecName]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", domain.ErrPropertyUnknown, id, vecName)
	}
	if v.Perm == ReadOnly {
		c.mu.Unlock()
		return fmt.Errorf("%w: property %s.%s is read-only", domain.ErrOperationFailed, id, vecName)
	}
	typ := v.Type
	rule := v.Rule
	memberNames := make([]string, len(v.Items))
	for i, it := range v.Items {
		memberNames[i] = it.Name
	}
	v.State = StateBusy
	c.mu.Unlock()

	values := make(map[string]string)
	switch {
	case hasMember:
		formatted, err := formatValue(typ, value)
		if err != nil {
			return fmt.Errorf("set %s.%s.%s: %w", id, vecName, member, err)
		}
		values[member] = formatted
	default:
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("set %s.%s: %w: vector assignment needs a member map", id, vecName, domain.ErrInvalidConfig)
		}
		for k, raw := range m {
			formatted, err := formatValue(typ, raw)
			if err != nil {
				return fmt.Errorf("set %s.%s.%s: %w", id, vecName, k, err)
			}
			values[k] = formatted
		}
	}

	if typ == Switch && rule == OneOfMany {
		for _, m := range memberNames {
			if _, ok := values[m]; !ok {
				values[m] = "Off"
			}
		}
	}

	return c.send(newVectorPayload(typ, id, vecName, values))
}

// EnableBlobs sets the server's BLOB routing policy for one device.
// Mode is Never, Also, or Only.
func (c *Client) EnableBlobs(ctx context.Context, device, mode string) error {
	if !c.connected.Load() {
		return domain.ErrServerNotConnected
	}
	switch mode {
	case "Never", "Also", "Only":
	default:
		return fmt.Errorf("%w: BLOB mode %q", domain.ErrInvalidConfig, mode)
	}
	return c.send(xmlEnableBlob{Device: device, Value: mode})
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

// send serializes a message onto the wire. Writes are serialized and
// bounded by the default timeout.
func (c *Client) send(payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return domain.ErrServerNotConnected
	}

	data, err := xml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode INDI message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DefaultTimeout))
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", domain.ErrBackendUnavailable, err)
	}
	c.messagesOut.Add(1)
	return nil
}

// readLoop is the session's read pump. It owns the decoder and feeds
// the model; callbacks never run on this goroutine.
func (c *Client) readLoop(conn net.Conn, stop chan struct{}, events chan domain.Event) {
	defer c.wg.Done()
	dec := xml.NewDecoder(conn)
	for {
		tok, err := dec.Token()
		if err != nil {
			select {
			case <-stop:
			default:
				if c.connected.Swap(false) {
					c.logger.Warn().Err(err).Msg("INDI server connection lost")
					ev := domain.NewEvent(domain.EventServerDisconnected, "", "", "INDI server connection lost")
					ev.Source = c.cfg.Name
					c.queue(events, ev)
				}
			}
			return
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		c.messagesIn.Add(1)
		c.handleElement(dec, se, events)
	}
}

func (c *Client) handleElement(dec *xml.Decoder, se xml.StartElement, events chan domain.Event) {
	if kind, typ, ok := parseVectorElement(se.Name.Local); ok {
		var x xmlVector
		if err := dec.DecodeElement(&x, &se); err != nil {
			c.parseErrors.Add(1)
			c.logger.Debug().Err(err).Str("element", se.Name.Local).Msg("Malformed INDI element")
			return
		}
		switch kind {
		case kindDef:
			c.applyDef(&x, typ, events)
		case kindSet:
			c.applySet(&x, typ, events)
		}
		return
	}

	switch se.Name.Local {
	case "delProperty":
		var x xmlDelProperty
		if err := dec.DecodeElement(&x, &se); err != nil {
			c.parseErrors.Add(1)
			return
		}
		c.applyDelete(&x, events)
	case "message":
		var x xmlMessage
		if err := dec.DecodeElement(&x, &se); err != nil {
			c.parseErrors.Add(1)
			return
		}
		c.logger.Debug().Str("device", x.Device).Str("text", x.Message).Msg("INDI message")
	default:
		_ = dec.Skip()
	}
}

func (c *Client) applyDef(x *xmlVector, typ PropertyType, events chan domain.Event) {
	if x.Device == "" || x.Name == "" {
		return
	}
	v := x.toVector(typ)

	c.mu.Lock()
	dev, known := c.devices[x.Device]
	if !known {
		dev = &deviceModel{name: x.Device, vectors: make(map[string]*Vector), seenAt: time.Now()}
		c.devices[x.Device] = dev
	}
	_, redefine := dev.vectors[x.Name]
	dev.vectors[x.Name] = v
	var desc domain.DiscoveredDevice
	if !known {
		desc = c.describeLocked(dev)
	}
	c.mu.Unlock()

	if !known {
		ev := domain.NewEvent(domain.EventDeviceAdded, x.Device, string(desc.DeviceType), "device found")
		ev.Source = c.cfg.Name
		c.queue(events, ev)
	}
	if redefine {
		c.queue(events, c.propertyEvent(x.Device, v))
	}
}

func (c *Client) applySet(x *xmlVector, typ PropertyType, events chan domain.Event) {
	c.mu.Lock()
	dev, ok := c.devices[x.Device]
	if !ok {
		c.mu.Unlock()
		return
	}
	v, ok := dev.vectors[x.Name]
	if !ok || v.Type != typ {
		c.mu.Unlock()
		return
	}

	var wasOn bool
	if x.Name == "CONNECTION" {
		if it, ok := v.Item("CONNECT"); ok {
			wasOn = it.On()
		}
	}

	v.State = parseState(x.State)
	v.Timestamp = time.Now()
	for _, wire := range x.Items {
		for i := range v.Items {
			if v.Items[i].Name == wire.Name {
				v.Items[i].Value = strings.TrimSpace(wire.Value)
				break
			}
		}
	}

	var isOn bool
	if x.Name == "CONNECTION" {
		if it, ok := v.Item("CONNECT"); ok {
			isOn = it.On()
		}
	}
	snapshot := v.clone()
	c.mu.Unlock()

	c.queue(events, c.propertyEvent(x.Device, snapshot))
	if x.Name == "CONNECTION" && wasOn != isOn && snapshot.State != StateBusy {
		t := domain.EventConnected
		msg := "device connected"
		if !isOn {
			t = domain.EventDisconnected
			msg = "device disconnected"
		}
		ev := domain.NewEvent(t, x.Device, "", msg)
		ev.Source = c.cfg.Name
		c.queue(events, ev)
	}
}

func (c *Client) applyDelete(x *xmlDelProperty, events chan domain.Event) {
	c.mu.Lock()
	dev, ok := c.devices[x.Device]
	if !ok {
		c.mu.Unlock()
		return
	}
	wholeDevice := x.Name == ""
	if wholeDevice {
		delete(c.devices, x.Device)
	} else {
		delete(dev.vectors, x.Name)
	}
	c.mu.Unlock()

	if wholeDevice {
		ev := domain.NewEvent(domain.EventDeviceRemoved, x.Device, "", "device removed")
		ev.Source = c.cfg.Name
		c.queue(events, ev)
	}
}

func (c *Client) propertyEvent(device string, v *Vector) domain.Event {
	ev := domain.NewEvent(domain.EventPropertyChanged, device, "", "property updated")
	ev.Source = c.cfg.Name
	ev.Data = map[string]any{
		"vector": v.Name,
		"state":  v.State.String(),
		"values": v.Values(),
	}
	return ev
}

// queue hands an event to the dispatcher without ever blocking the
// read pump. Overflow drops the event.
func (c *Client) queue(events chan domain.Event, ev domain.Event) {
	select {
	case events <- ev:
	default:
		c.dropped.Add(1)
	}
}

func (c *Client) dispatchLoop(stop chan struct{}, events chan domain.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			c.deliver(ev)
		}
	}
}

func (c *Client) deliver(ev domain.Event) {
	c.cbMu.RLock()
	cb := c.cb
	c.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}
