package virt

import (
	"fmt"
	"os"

	"github.com/holoplot/go-evdev"
	"github.com/virtpad/virtpad/internal/pkg/event"
	"gopkg.in/yaml.v3"
)

// Profile is a user-provided mapping override, loaded from yaml. Entries
// replace the defaults per code; codes not mentioned keep their default
// target.
//
//	axes:
//	  left_stick_x: {axis: ABS_X, scale: 32767, min: -32767, max: 32767}
//	buttons:
//	  a: BTN_SOUTH
type Profile struct {
	Axes    map[string]ProfileAxis `yaml:"axes"`
	Buttons map[string]string      `yaml:"buttons"`
}

type ProfileAxis struct {
	Axis   string   `yaml:"axis"`
	Scale  float64  `yaml:"scale"`
	Offset float64  `yaml:"offset"`
	Min    *int32   `yaml:"min"`
	Max    *int32   `yaml:"max"`
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("cannot read profile: %w", err)
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("cannot parse profile: %w", err)
	}

	for code, axis := range p.Axes {
		if _, ok := evdev.ABSFromString[axis.Axis]; !ok {
			return Profile{}, fmt.Errorf("axis '%s': unknown device axis '%s'", code, axis.Axis)
		}
		if (axis.Min == nil) != (axis.Max == nil) {
			return Profile{}, fmt.Errorf("axis '%s': min and max have to be given together", code)
		}
	}
	for code, button := range p.Buttons {
		if _, ok := evdev.KEYFromString[button]; !ok {
			return Profile{}, fmt.Errorf("button '%s': unknown device button '%s'", code, button)
		}
	}

	return p, nil
}

// ApplyAxes returns a copy of the default axis map with profile overrides
// applied. The input map is left untouched.
func (p Profile) ApplyAxes(defaults map[event.Code]AxisTarget) map[event.Code]AxisTarget {
	out := make(map[event.Code]AxisTarget, len(defaults))
	for code, target := range defaults {
		out[code] = target
	}

	for code, axis := range p.Axes {
		target := AxisTarget{
			Code:   evdev.ABSFromString[axis.Axis],
			Scale:  axis.Scale,
			Offset: axis.Offset,
		}
		if axis.Min != nil {
			target.Bounds = &Bounds{Min: *axis.Min, Max: *axis.Max}
		}
		out[event.Code(code)] = target
	}
	return out
}

// ApplyButtons returns a copy of the default button map with profile
// overrides applied.
func (p Profile) ApplyButtons(defaults map[event.Code]evdev.EvCode) map[event.Code]evdev.EvCode {
	out := make(map[event.Code]evdev.EvCode, len(defaults))
	for code, target := range defaults {
		out[code] = target
	}

	for code, button := range p.Buttons {
		out[event.Code(code)] = evdev.KEYFromString[button]
	}
	return out
}
