package capture

import (
	"fmt"
	"sort"
	"strings"
)

// DeviceType classifies a piece of gear in a signal chain.
type DeviceType string

const (
	DeviceMicrophone DeviceType = "microphone"
	DeviceSpeaker    DeviceType = "speaker"
	DeviceAmplifier  DeviceType = "amplifier"
	DeviceCabinet    DeviceType = "cabinet"
	DevicePedal      DeviceType = "pedal"
)

// ParseDeviceType parses a device type name.
func ParseDeviceType(s string) (DeviceType, error) {
	switch t := DeviceType(strings.ToLower(strings.TrimSpace(s))); t {
	case DeviceMicrophone, DeviceSpeaker, DeviceAmplifier, DeviceCabinet, DevicePedal:
		return t, nil
	}
	return "", fmt.Errorf("unknown device type %q", s)
}

// Device is a piece of gear.
type Device struct {
	Type         DeviceType `yaml:"type" json:"type"`
	Manufacturer string     `yaml:"manufacturer,omitempty" json:"manufacturer,omitempty"`
	Name         string     `yaml:"name" json:"name"`
}

// DisplayName joins manufacturer and model.
func (d Device) DisplayName() string {
	return strings.TrimSpace(d.Manufacturer + " " + d.Name)
}

// Link places a device in a capture's signal chain.
type Link struct {
	// Role is free text such as "Main Mic" or "Pre-Gain".
	Role   string `yaml:"role,omitempty" json:"role,omitempty"`
	Device Device `yaml:"device" json:"device"`
	Order  int    `yaml:"order" json:"order"`
}

// SortChain orders links by Order, keeping input order for ties.
func SortChain(chain []Link) {
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Order < chain[j].Order })
}

// ValidateChain rejects links without a device name or with an unknown type.
func ValidateChain(chain []Link) []string {
	var problems []string
	for i, l := range chain {
		if strings.TrimSpace(l.Device.Name) == "" {
			problems = append(problems, fmt.Sprintf("chain[%d]: device name is empty", i))
		}
		if _, err := ParseDeviceType(string(l.Device.Type)); err != nil {
			problems = append(problems, fmt.Sprintf("chain[%d]: %v", i, err))
		}
	}
	return problems
}

// ProjectChain returns attrs plus one value per chain device under its type,
// and the device manufacturer under "manufacturer", so gear is filterable.
func ProjectChain(attrs Attributes, chain []Link) Attributes {
	out := attrs.Clone()
	if out == nil {
		out = Attributes{}
	}
	for _, l := range chain {
		if l.Device.Name != "" {
			out.Add(string(l.Device.Type), String(l.Device.Name))
		}
		if l.Device.Manufacturer != "" {
			out.Add("manufacturer", String(l.Device.Manufacturer))
		}
	}
	return out
}

// AllAttributes returns the capture's attributes with its signal chain projected in.
// This is the view the filter index and schema validation see.
func (c *Capture) AllAttributes() Attributes {
	return ProjectChain(c.Attributes, c.Chain)
}
