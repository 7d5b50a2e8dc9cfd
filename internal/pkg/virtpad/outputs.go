package virtpad

import (
	"fmt"

	"github.com/virtpad/virtpad/internal/pkg/logger"
	"github.com/virtpad/virtpad/internal/pkg/virt"
)

// Outputs builds the set of virtual devices requested by the
// configuration: the controller itself, optionally a separate motion
// sensor device and an emulated touchpad. All devices share one phys so
// consuming software can group them.
func Outputs(c Config) ([]*virt.Device, error) {
	buttonMap := virt.GamepadButtonMap()
	axisMap := virt.GamepadAxisMap()

	if c.Virtpad.Profile != "" {
		profile, err := virt.LoadProfile(c.Virtpad.Profile)
		if err != nil {
			return nil, fmt.Errorf("cannot load mapping profile: %w", err)
		}
		buttonMap = profile.ApplyButtons(buttonMap)
		axisMap = profile.ApplyAxes(axisMap)
		log.Info(fmt.Sprintf("mapping profile loaded: %s", c.Virtpad.Profile), logger.Info)
	}

	devices := []*virt.Device{
		virt.NewDevice(virt.Config{
			Caps:      virt.GamepadCapabilities(),
			ButtonMap: buttonMap,
			AxisMap:   axisMap,
			Name:      c.Virtpad.Name,
			Vendor:    c.Virtpad.Vendor,
			Product:   c.Virtpad.Product,
			Bus:       c.Virtpad.Bus,
			Phys:      c.Virtpad.Phys,
			Uniq:      c.Virtpad.Uniq,
		}),
	}

	if c.Motion.Enabled {
		devices = append(devices, virt.NewDevice(virt.Config{
			Caps:          virt.MotionCapabilities(),
			AxisMap:       virt.MotionAxisMap(),
			Name:          c.Virtpad.Name + " Motion Sensors",
			Vendor:        c.Virtpad.Vendor,
			Product:       virt.ProductMotion,
			Bus:           c.Virtpad.Bus,
			Phys:          c.Virtpad.Phys,
			Uniq:          c.Virtpad.Uniq,
			IMUTimestamps: virt.IMUTimestampsAll,
			// Motion devices receive no commands; skipping the
			// descriptor avoids wakeups from echoed timestamps.
			IgnoreCmds: true,
		}))
	}

	if c.Touchpad.Enabled {
		devices = append(devices, virt.NewDevice(virt.Config{
			Caps:       virt.TouchpadCapabilities(),
			ButtonMap:  virt.TouchpadButtonMap(),
			AxisMap:    virt.TouchpadAxisMap(),
			Name:       c.Virtpad.Name + " Touchpad",
			Vendor:     c.Virtpad.Vendor,
			Product:    virt.ProductTouchpad,
			Bus:        c.Virtpad.Bus,
			Phys:       c.Virtpad.Phys,
			Uniq:       c.Virtpad.Uniq,
			Timestamps: true,
		}))
	}

	return devices, nil
}
