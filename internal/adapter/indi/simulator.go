package indi

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// SimDevice seeds one device in the simulator.
type SimDevice struct {
	Name      string
	Driver    string
	Version   string
	Interface int
	// Vectors are property definitions beyond the standard
	// DRIVER_INFO and CONNECTION pair.
	Vectors []Vector
	// FailConnects makes the first n CONNECTION attempts go Alert.
	FailConnects int
}

type simDevice struct {
	SimDevice
	vectors  map[string]*Vector
	order    []string
	failLeft int
}

type simConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (sc *simConn) write(payload any) error {
	data, err := xml.Marshal(payload)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = sc.conn.Write(data)
	return err
}

// Simulator is a deterministic in-memory INDI server. Sessions run
// over net.Pipe through the Dialer, so tests exercise the full XML
// path without sockets.
type Simulator struct {
	mu      sync.Mutex
	devices map[string]*simDevice
	order   []string
	conns   map[*simConn]struct{}
}

// NewSimulator builds a simulator serving the given devices.
func NewSimulator(devices ...SimDevice) *Simulator {
	s := &Simulator{
		devices: make(map[string]*simDevice),
		conns:   make(map[*simConn]struct{}),
	}
	for _, d := range devices {
		s.addDevice(d)
	}
	return s
}

func (s *Simulator) addDevice(d SimDevice) {
	sd := &simDevice{
		SimDevice: d,
		vectors:   make(map[string]*Vector),
		failLeft:  d.FailConnects,
	}
	info := &Vector{
		Device: d.Name,
		Name:   "DRIVER_INFO",
		Label:  "Driver Info",
		Group:  "General Info",
		Type:   Text,
		State:  StateIdle,
		Perm:   ReadOnly,
		Items: []Item{
			{Name: "DRIVER_NAME", Label: "Name", Value: d.Driver},
			{Name: "DRIVER_VERSION", Label: "Version", Value: d.Version},
			{Name: "DRIVER_INTERFACE", Label: "Interface", Value: strconv.Itoa(d.Interface)},
		},
	}
	connection := &Vector{
		Device: d.Name,
		Name:   "CONNECTION",
		Label:  "Connection",
		Group:  "Main Control",
		Type:   Switch,
		State:  StateIdle,
		Perm:   ReadWrite,
		Rule:   OneOfMany,
		Items: []Item{
			{Name: "CONNECT", Label: "Connect", Value: "Off"},
			{Name: "DISCONNECT", Label: "Disconnect", Value: "On"},
		},
	}
	sd.vectors["DRIVER_INFO"] = info
	sd.vectors["CONNECTION"] = connection
	sd.order = []string{"DRIVER_INFO", "CONNECTION"}
	for i := range d.Vectors {
		v := d.Vectors[i].clone()
		v.Device = d.Name
		sd.vectors[v.Name] = v
		sd.order = append(sd.order, v.Name)
	}
	s.devices[d.Name] = sd
	s.order = append(s.order, d.Name)
}

// Dialer returns the transport hook for Client.Config. Every dial
// opens an independent session.
func (s *Simulator) Dialer() Dialer {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go s.serve(server)
		return client, nil
	}
}

func (s *Simulator) serve(conn net.Conn) {
	sc := &simConn{conn: conn}
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	dec := xml.NewDecoder(conn)
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if kind, typ, ok := parseVectorElement(se.Name.Local); ok && kind == kindNew {
			var x xmlVector
			if err := dec.DecodeElement(&x, &se); err != nil {
				continue
			}
			s.handleNew(sc, &x, typ)
			continue
		}

		switch se.Name.Local {
		case "getProperties":
			var x xmlGetProperties
			if err := dec.DecodeElement(&x, &se); err != nil {
				continue
			}
			if err := s.sendDefs(sc, x.Device); err != nil {
				return
			}
		case "enableBLOB":
			var x xmlEnableBlob
			_ = dec.DecodeElement(&x, &se)
		default:
			_ = dec.Skip()
		}
	}
}

// sendDefs pushes the definitions for one device, or all when the
// filter is empty.
func (s *Simulator) sendDefs(sc *simConn, deviceFilter string) error {
	s.mu.Lock()
	var payloads []xmlVector
	for _, name := range s.order {
		if deviceFilter != "" && name != deviceFilter {
			continue
		}
		dev := s.devices[name]
		for _, vn := range dev.order {
			payloads = append(payloads, fromVector(kindDef, dev.vectors[vn]))
		}
	}
	s.mu.Unlock()

	for i := range payloads {
		if err := sc.write(payloads[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) handleNew(sc *simConn, x *xmlVector, typ PropertyType) {
	s.mu.Lock()
	dev, ok := s.devices[x.Device]
	if !ok {
		s.mu.Unlock()
		return
	}
	v, ok := dev.vectors[x.Name]
	if !ok || v.Type != typ {
		s.mu.Unlock()
		return
	}

	if x.Name == "CONNECTION" {
		wantOn := false
		for _, it := range x.Items {
			if it.Name == "CONNECT" && it.Value == "On" {
				wantOn = true
			}
		}
		if wantOn && dev.failLeft > 0 {
			dev.failLeft--
			v.State = StateAlert
			reply := fromVector(kindSet, v)
			s.mu.Unlock()
			_ = sc.write(reply)
			return
		}
		setSwitch(v, "CONNECT", wantOn)
		setSwitch(v, "DISCONNECT", !wantOn)
		v.State = StateOk
		reply := fromVector(kindSet, v)
		s.mu.Unlock()
		_ = sc.write(reply)
		return
	}

	for _, wire := range x.Items {
		for i := range v.Items {
			if v.Items[i].Name == wire.Name {
				v.Items[i].Value = wire.Value
				break
			}
		}
	}
	v.State = StateOk
	reply := fromVector(kindSet, v)
	s.mu.Unlock()
	_ = sc.write(reply)
}

func setSwitch(v *Vector, name string, on bool) {
	for i := range v.Items {
		if v.Items[i].Name == name {
			if on {
				v.Items[i].Value = "On"
			} else {
				v.Items[i].Value = "Off"
			}
			return
		}
	}
}

// Update changes one member server-side and pushes the set message to
// every session, modeling an autonomous device update.
func (s *Simulator) Update(device, vector, member, value string) error {
	s.mu.Lock()
	dev, ok := s.devices[device]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("simulator: unknown device %s", device)
	}
	v, ok := dev.vectors[vector]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("simulator: unknown vector %s.%s", device, vector)
	}
	found := false
	for i := range v.Items {
		if v.Items[i].Name == member {
			v.Items[i].Value = value
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("simulator: unknown member %s.%s.%s", device, vector, member)
	}
	v.State = StateOk
	payload := fromVector(kindSet, v)
	conns := make([]*simConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		_ = sc.write(payload)
	}
	return nil
}

// RemoveDevice deletes a device and notifies every session.
func (s *Simulator) RemoveDevice(device string) {
	s.mu.Lock()
	if _, ok := s.devices[device]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.devices, device)
	for i, n := range s.order {
		if n == device {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	payload := xmlDelProperty{Device: device}
	conns := make([]*simConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		_ = sc.write(payload)
	}
}

// CloseSessions drops every live session, modeling a server crash.
func (s *Simulator) CloseSessions() {
	s.mu.Lock()
	conns := make([]*simConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
}

// DeviceConnected reports the simulator-side CONNECTION state.
func (s *Simulator) DeviceConnected(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[device]
	if !ok {
		return false
	}
	it, ok := dev.vectors["CONNECTION"].Item("CONNECT")
	return ok && it.On()
}
