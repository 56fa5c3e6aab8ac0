// Package indi implements an INDI-style backend: a persistent XML
// session to a device server that pushes property definitions and
// updates. The wire transport is an injected Dialer so tests and
// simulated rigs run over in-memory pipes.
package indi

import (
	"strconv"
	"strings"
	"time"
)

// PropertyType is the INDI vector kind.
type PropertyType int

const (
	Number PropertyType = iota
	Switch
	Text
	Light
	Blob
)

// String returns the INDI name fragment for the type.
func (t PropertyType) String() string {
	switch t {
	case Number:
		return "Number"
	case Switch:
		return "Switch"
	case Text:
		return "Text"
	case Light:
		return "Light"
	case Blob:
		return "BLOB"
	default:
		return "Unknown"
	}
}

// PropertyState is the vector's light state.
type PropertyState int

const (
	StateIdle PropertyState = iota
	StateOk
	StateBusy
	StateAlert
)

// String returns the wire spelling of the state.
func (s PropertyState) String() string {
	switch s {
	case StateOk:
		return "Ok"
	case StateBusy:
		return "Busy"
	case StateAlert:
		return "Alert"
	default:
		return "Idle"
	}
}

func parseState(s string) PropertyState {
	switch s {
	case "Ok":
		return StateOk
	case "Busy":
		return StateBusy
	case "Alert":
		return StateAlert
	default:
		return StateIdle
	}
}

// Permission is the vector's client access mode.
type Permission string

const (
	ReadOnly  Permission = "ro"
	WriteOnly Permission = "wo"
	ReadWrite Permission = "rw"
)

// SwitchRule constrains how many switches in a vector may be on.
type SwitchRule string

const (
	OneOfMany SwitchRule = "OneOfMany"
	AtMostOne SwitchRule = "AtMostOne"
	AnyOfMany SwitchRule = "AnyOfMany"
)

// Item is one member of a vector. Value holds the wire text; numeric
// items additionally carry their range definition.
type Item struct {
	Name   string
	Label  string
	Value  string
	Format string
	Min    float64
	Max    float64
	Step   float64
}

// Number parses the item value as a float.
func (i Item) Number() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(i.Value), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// On reports whether a switch item is set.
func (i Item) On() bool {
	return strings.TrimSpace(i.Value) == "On"
}

// Vector is one device property: a named group of items sharing a
// state, permission, and for switches a selection rule.
type Vector struct {
	Device    string
	Name      string
	Label     string
	Group     string
	Type      PropertyType
	State     PropertyState
	Perm      Permission
	Rule      SwitchRule
	Timeout   float64
	Timestamp time.Time
	Items     []Item
}

// Item returns the named member.
func (v *Vector) Item(name string) (Item, bool) {
	for _, it := range v.Items {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}

// Value returns the named member coerced to its natural Go type:
// float64 for numbers, bool for switches, string otherwise.
func (v *Vector) Value(name string) (any, bool) {
	it, ok := v.Item(name)
	if !ok {
		return nil, false
	}
	switch v.Type {
	case Number:
		f, ok := it.Number()
		return f, ok
	case Switch:
		return it.On(), true
	case Light:
		return parseState(strings.TrimSpace(it.Value)).String(), true
	default:
		return strings.TrimSpace(it.Value), true
	}
}

// Values maps every member name to its coerced value.
func (v *Vector) Values() map[string]any {
	out := make(map[string]any, len(v.Items))
	for _, it := range v.Items {
		if val, ok := v.Value(it.Name); ok {
			out[it.Name] = val
		}
	}
	return out
}

// clone deep-copies the vector so snapshots never alias the model.
func (v *Vector) clone() *Vector {
	out := *v
	out.Items = make([]Item, len(v.Items))
	copy(out.Items, v.Items)
	return &out
}
