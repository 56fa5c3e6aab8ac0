package indi

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// protocolVersion is sent with getProperties.
const protocolVersion = "1.7"

const wireTimeFormat = "2006-01-02T15:04:05"

// xmlVector is the shared wire shape of def/set/new vectors. The
// element name decides the direction and type; ",any" collects the
// member elements regardless of their tag.
type xmlVector struct {
	XMLName   xml.Name
	Device    string    `xml:"device,attr"`
	Name      string    `xml:"name,attr"`
	Label     string    `xml:"label,attr,omitempty"`
	Group     string    `xml:"group,attr,omitempty"`
	State     string    `xml:"state,attr,omitempty"`
	Perm      string    `xml:"perm,attr,omitempty"`
	Rule      string    `xml:"rule,attr,omitempty"`
	Timeout   string    `xml:"timeout,attr,omitempty"`
	Timestamp string    `xml:"timestamp,attr,omitempty"`
	Message   string    `xml:"message,attr,omitempty"`
	Items     []xmlItem `xml:",any"`
}

type xmlItem struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Label   string `xml:"label,attr,omitempty"`
	Format  string `xml:"format,attr,omitempty"`
	Min     string `xml:"min,attr,omitempty"`
	Max     string `xml:"max,attr,omitempty"`
	Step    string `xml:"step,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type xmlGetProperties struct {
	XMLName xml.Name `xml:"getProperties"`
	Version string   `xml:"version,attr"`
	Device  string   `xml:"device,attr,omitempty"`
	Name    string   `xml:"name,attr,omitempty"`
}

type xmlDelProperty struct {
	XMLName xml.Name `xml:"delProperty"`
	Device  string   `xml:"device,attr"`
	Name    string   `xml:"name,attr,omitempty"`
}

type xmlMessage struct {
	XMLName xml.Name `xml:"message"`
	Device  string   `xml:"device,attr,omitempty"`
	Message string   `xml:"message,attr,omitempty"`
}

type xmlEnableBlob struct {
	XMLName xml.Name `xml:"enableBLOB"`
	Device  string   `xml:"device,attr"`
	Value   string   `xml:",chardata"`
}

// vectorKind classifies a vector element name.
type vectorKind int

const (
	kindUnknown vectorKind = iota
	kindDef
	kindSet
	kindNew
)

// parseVectorElement maps an element name like "defNumberVector" to its
// direction and property type.
func parseVectorElement(local string) (vectorKind, PropertyType, bool) {
	var kind vectorKind
	var rest string
	switch {
	case strings.HasPrefix(local, "def"):
		kind, rest = kindDef, local[3:]
	case strings.HasPrefix(local, "set"):
		kind, rest = kindSet, local[3:]
	case strings.HasPrefix(local, "new"):
		kind, rest = kindNew, local[3:]
	default:
		return kindUnknown, 0, false
	}
	rest = strings.TrimSuffix(rest, "Vector")
	switch rest {
	case "Number":
		return kind, Number, true
	case "Switch":
		return kind, Switch, true
	case "Text":
		return kind, Text, true
	case "Light":
		return kind, Light, true
	case "BLOB":
		return kind, Blob, true
	default:
		return kindUnknown, 0, false
	}
}

func vectorElement(kind vectorKind, t PropertyType) string {
	prefix := map[vectorKind]string{kindDef: "def", kindSet: "set", kindNew: "new"}[kind]
	return prefix + t.String() + "Vector"
}

func itemElement(kind vectorKind, t PropertyType) string {
	if kind == kindDef {
		return "def" + t.String()
	}
	return "one" + t.String()
}

// toVector builds the model form of a parsed wire vector.
func (x *xmlVector) toVector(t PropertyType) *Vector {
	v := &Vector{
		Device: x.Device,
		Name:   x.Name,
		Label:  x.Label,
		Group:  x.Group,
		Type:   t,
		State:  parseState(x.State),
		Perm:   Permission(x.Perm),
		Rule:   SwitchRule(x.Rule),
	}
	if x.Timeout != "" {
		if f, err := strconv.ParseFloat(x.Timeout, 64); err == nil {
			v.Timeout = f
		}
	}
	if ts, err := time.Parse(wireTimeFormat, x.Timestamp); err == nil {
		v.Timestamp = ts
	} else {
		v.Timestamp = time.Now()
	}
	v.Items = make([]Item, 0, len(x.Items))
	for _, it := range x.Items {
		item := Item{
			Name:   it.Name,
			Label:  it.Label,
			Format: it.Format,
			Value:  strings.TrimSpace(it.Value),
		}
		item.Min, _ = strconv.ParseFloat(strings.TrimSpace(it.Min), 64)
		item.Max, _ = strconv.ParseFloat(strings.TrimSpace(it.Max), 64)
		item.Step, _ = strconv.ParseFloat(strings.TrimSpace(it.Step), 64)
		v.Items = append(v.Items, item)
	}
	return v
}

// fromVector builds the wire form of a model vector.
func fromVector(kind vectorKind, v *Vector) xmlVector {
	x := xmlVector{
		XMLName: xml.Name{Local: vectorElement(kind, v.Type)},
		Device:  v.Device,
		Name:    v.Name,
	}
	if kind == kindDef {
		x.Label = v.Label
		x.Group = v.Group
		x.Perm = string(v.Perm)
		if v.Type == Switch {
			x.Rule = string(v.Rule)
		}
	}
	if kind != kindNew {
		x.State = v.State.String()
	}
	if v.Timeout > 0 {
		x.Timeout = strconv.FormatFloat(v.Timeout, 'f', -1, 64)
	}
	x.Timestamp = time.Now().UTC().Format(wireTimeFormat)

	itemName := xml.Name{Local: itemElement(kind, v.Type)}
	x.Items = make([]xmlItem, 0, len(v.Items))
	for _, it := range v.Items {
		wi := xmlItem{XMLName: itemName, Name: it.Name, Value: it.Value}
		if kind == kindDef {
			wi.Label = it.Label
			if v.Type == Number {
				wi.Format = it.Format
				wi.Min = strconv.FormatFloat(it.Min, 'f', -1, 64)
				wi.Max = strconv.FormatFloat(it.Max, 'f', -1, 64)
				wi.Step = strconv.FormatFloat(it.Step, 'f', -1, 64)
			}
		}
		x.Items = append(x.Items, wi)
	}
	return x
}

// newVectorPayload builds the client's newXXXVector message setting the
// given members.
func newVectorPayload(t PropertyType, device, name string, values map[string]string) xmlVector {
	x := xmlVector{
		XMLName:   xml.Name{Local: vectorElement(kindNew, t)},
		Device:    device,
		Name:      name,
		Timestamp: time.Now().UTC().Format(wireTimeFormat),
	}
	itemName := xml.Name{Local: itemElement(kindNew, t)}
	for member, value := range values {
		x.Items = append(x.Items, xmlItem{XMLName: itemName, Name: member, Value: value})
	}
	return x
}

// formatValue renders a Go value for the wire given the vector type.
func formatValue(t PropertyType, value any) (string, error) {
	switch t {
	case Number:
		switch n := value.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(n), 'f', -1, 64), nil
		case int:
			return strconv.Itoa(n), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case string:
			if _, err := strconv.ParseFloat(n, 64); err != nil {
				return "", fmt.Errorf("value %q is not numeric", n)
			}
			return n, nil
		default:
			return "", fmt.Errorf("cannot send %T as a number", value)
		}
	case Switch:
		switch b := value.(type) {
		case bool:
			if b {
				return "On", nil
			}
			return "Off", nil
		case string:
			if b == "On" || b == "Off" {
				return b, nil
			}
			return "", fmt.Errorf("switch value must be On or Off, got %q", b)
		default:
			return "", fmt.Errorf("cannot send %T as a switch", value)
		}
	default:
		return fmt.Sprintf("%v", value), nil
	}
}
