// Package virt owns the virtual input devices registered with the kernel.
// It translates abstract controller events into the evdev protocol and
// turns force-feedback requests read back from the device into abstract
// rumble events for physical device handlers.
package virt

import (
	"fmt"
	"math"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/virtpad/virtpad/internal/pkg/event"
	"github.com/virtpad/virtpad/internal/pkg/logger"
	"go.uber.org/zap"
)

// IMUTimestampMode controls emission of MSC_TIMESTAMP events for sensor
// timestamp codes. Empty disables it, IMUTimestampsAll accepts any of the
// three codes, and a specific code restricts emission to that code.
type IMUTimestampMode string

const (
	IMUTimestampsOff IMUTimestampMode = ""
	IMUTimestampsAll IMUTimestampMode = "all"
)

func (m IMUTimestampMode) enabled() bool {
	return m != IMUTimestampsOff
}

func (m IMUTimestampMode) matches(code event.Code) bool {
	switch m {
	case IMUTimestampsOff:
		return false
	case IMUTimestampsAll:
		return code == event.CodeAccelTS || code == event.CodeGyroTS || code == event.CodeIMUTS
	default:
		return code == event.Code(m)
	}
}

// Config is the construction-time configuration of one virtual device.
// Capability and mapping tables are injected here and never mutated.
type Config struct {
	Caps      Capabilities
	ButtonMap map[event.Code]evdev.EvCode
	AxisMap   map[event.Code]AxisTarget

	Name    string
	Vendor  uint16
	Product uint16
	Bus     uint16
	Phys    string
	Uniq    string

	Properties []int

	IMUTimestamps IMUTimestampMode
	Timestamps    bool

	// IgnoreCmds disables reading feedback from the device entirely.
	IgnoreCmds bool

	factory func(HandleSetup) (handle, error)
}

// Device is a virtual input device. It is not safe for concurrent use;
// callers funneling events from multiple sources must serialize access.
type Device struct {
	cfg Config

	dev      handle
	openedAt time.Time

	aspect  float64
	touchID int32

	rumble *event.Event
}

func NewDevice(cfg Config) *Device {
	if cfg.Vendor == 0 {
		cfg.Vendor = VendorID
	}
	if cfg.Bus == 0 {
		cfg.Bus = BusUSB
	}
	if cfg.factory == nil {
		cfg.factory = newHandle
	}
	return &Device{cfg: cfg}
}

func (d *Device) Name() string {
	return d.cfg.Name
}

// Open registers the device with the kernel and returns the descriptors the
// caller has to poll. The list is empty when commands are ignored: written
// timestamps are echoed back by evdev and would cause readiness wakeups
// with nothing consuming them.
func (d *Device) Open() ([]int, error) {
	if d.dev != nil {
		log.Info("device already open, closing previous handle",
			zap.String("device_name", d.cfg.Name), logger.Warning)
		d.Close(false)
	}

	log.Info(fmt.Sprintf("opening virtual device '%s'", d.cfg.Name), logger.Info)

	dev, err := d.cfg.factory(HandleSetup{
		Caps:       d.cfg.Caps,
		Name:       d.cfg.Name,
		Vendor:     d.cfg.Vendor,
		Product:    d.cfg.Product,
		Bus:        d.cfg.Bus,
		Phys:       d.cfg.Phys,
		Uniq:       d.cfg.Uniq,
		Properties: d.cfg.Properties,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create virtual device '%s': %w", d.cfg.Name, err)
	}

	d.dev = dev
	d.openedAt = time.Now()
	d.aspect = 1.0
	d.touchID = 1
	d.rumble = nil

	if d.cfg.IgnoreCmds {
		return nil, nil
	}
	return []int{dev.Fd()}, nil
}

// Close releases the device. It is idempotent and safe to call at any
// point, including after a failed Open.
func (d *Device) Close(exit bool) bool {
	if d.dev != nil {
		if err := d.dev.Destroy(); err != nil {
			log.Info(fmt.Sprintf("device destroy failed: %v", err),
				zap.String("device_name", d.cfg.Name), logger.Warning)
		}
		d.dev = nil
	}
	return true
}

type eventKey struct {
	kind event.Kind
	code event.Code
}

// Consume translates a batch of abstract events into device writes. The
// batch is scanned in reverse so that for duplicated (kind, code) pairs,
// caused by upstream delay-induced repeats, only the logically latest value
// is applied.
func (d *Device) Consume(events []event.Event) {
	if d.dev == nil {
		return
	}

	seen := make(map[eventKey]struct{}, len(events))
	var wrote, tsWrote bool

	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		key := eventKey{ev.Kind, ev.Code}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		switch ev.Kind {
		case event.KindAxis:
			if target, ok := d.cfg.AxisMap[ev.Code]; ok {
				d.writeAxis(ev, target)
				wrote = true
			} else if d.cfg.IMUTimestamps.matches(ev.Code) {
				// Sensor timestamps arrive with ns accuracy, evdev
				// expects us.
				us := int32(uint32(ev.Timestamp / 1000))
				d.write(evdev.EV_MSC, evdev.MSC_TIMESTAMP, us)
				wrote = true
				tsWrote = true
			}
		case event.KindButton:
			code, ok := d.cfg.ButtonMap[ev.Code]
			if !ok {
				break
			}
			if ev.Code == event.CodeTouchpadTouch {
				d.writeTouch(ev.Pressed)
			}
			d.write(evdev.EV_KEY, code, boolValue(ev.Pressed))
			wrote = true
		case event.KindConfiguration:
			if ev.Code == event.CodeTouchpadAspectRatio {
				d.aspect = ev.Value
			}
		case event.KindRumble:
			// Rumble flows the other way, from Produce to the motor
			// handlers. Receiving one here is a routing artifact.
		}
	}

	if wrote && d.cfg.Timestamps {
		us := int32(uint32(time.Since(d.openedAt).Microseconds()))
		d.write(evdev.EV_MSC, evdev.MSC_TIMESTAMP, us)
	}

	// Hold the sync marker back when timestamp output is on but no
	// timestamp made it into this batch, otherwise the marker would
	// precede its paired timestamp and desynchronize consumers.
	if wrote && (!d.cfg.IMUTimestamps.enabled() || tsWrote) {
		if err := d.dev.Sync(); err != nil {
			log.Info(fmt.Sprintf("sync write failed: %v", err),
				zap.String("device_name", d.cfg.Name), logger.Warning)
		}
	}
}

func (d *Device) writeAxis(ev event.Event, target AxisTarget) {
	val := target.Scale*ev.Value + target.Offset

	touchX := ev.Code == event.CodeTouchpadX
	touchY := ev.Code == event.CodeTouchpadY
	if touchX || touchY {
		val *= d.aspect
	}

	// Clamp before converting: a float outside int32 range does not
	// saturate on conversion and would land on the opposite end.
	if target.Bounds != nil {
		val = math.Min(math.Max(val, float64(target.Bounds.Min)), float64(target.Bounds.Max))
	}
	v := int32(val)
	d.write(evdev.EV_ABS, target.Code, v)

	// Single-finger multi-touch emulation: mirror the final value onto
	// the synthetic MT position axis.
	if touchX {
		d.write(evdev.EV_ABS, evdev.ABS_MT_POSITION_X, v)
	} else if touchY {
		d.write(evdev.EV_ABS, evdev.ABS_MT_POSITION_Y, v)
	}
}

func (d *Device) writeTouch(pressed bool) {
	if pressed {
		d.write(evdev.EV_ABS, evdev.ABS_MT_TRACKING_ID, d.touchID)
		d.touchID++
		if d.touchID > MaxTrackingID {
			d.touchID = 1
		}
	} else {
		d.write(evdev.EV_ABS, evdev.ABS_MT_TRACKING_ID, -1)
	}
	d.write(evdev.EV_KEY, evdev.BTN_TOOL_FINGER, boolValue(pressed))
}

func (d *Device) write(t evdev.EvType, c evdev.EvCode, v int32) {
	if err := d.dev.WriteEvent(t, c, v); err != nil {
		log.Info(fmt.Sprintf("event write failed (type=0x%02x code=0x%03x): %v", t, c, err),
			zap.String("device_name", d.cfg.Name), logger.Warning)
	}
}

// Produce drains feedback buffered on the device descriptor and returns
// the abstract events it translates to. It must only be called after the
// caller's poll reported readyFds; it never blocks.
func (d *Device) Produce(readyFds []int) []event.Event {
	if d.cfg.IgnoreCmds || d.dev == nil || !containsFd(readyFds, d.dev.Fd()) {
		return nil
	}

	var out []event.Event

	for _, ev := range d.dev.Drain() {
		switch {
		case ev.Type == evdev.EV_MSC && ev.Code == evdev.MSC_TIMESTAMP:
			// Echo of our own timestamp writes, expected noise.
		case ev.Type == EV_UINPUT && ev.Code == UI_FF_UPLOAD:
			d.handleUpload(ev.Value)
		case ev.Type == EV_UINPUT && ev.Code == UI_FF_ERASE:
			d.handleErase(ev.Value)
		case ev.Type == evdev.EV_FF && ev.Value != 0:
			if d.rumble != nil {
				out = append(out, *d.rumble)
			} else {
				log.Info("rumble requested but no rumble effect has been uploaded",
					zap.String("device_name", d.cfg.Name), logger.Warning)
			}
		case ev.Type == evdev.EV_FF:
			// Stop requests pass through unconditionally so motor
			// drivers are always told to stop.
			out = append(out, event.Rumble(0, 0))
		default:
			log.Info(fmt.Sprintf("unhandled device event: type=0x%02x code=0x%03x value=%d",
				ev.Type, ev.Code, ev.Value), zap.String("device_name", d.cfg.Name), logger.Debug)
		}
	}

	return out
}

// handleUpload acknowledges a force-feedback upload. Unsupported effect
// types are accepted as well, they just never produce output; refusing
// them would make client software consider the device broken.
func (d *Device) handleUpload(requestID int32) {
	up, err := d.dev.BeginFFUpload(requestID)
	if err != nil {
		log.Info(fmt.Sprintf("ff upload begin failed: %v", err),
			zap.String("device_name", d.cfg.Name), logger.Warning)
		return
	}

	if evdev.EvCode(up.Effect.Type) == FF_RUMBLE {
		strong, weak := up.Effect.rumbleMagnitudes()
		ev := event.Rumble(float64(weak)/0xffff, float64(strong)/0xffff)
		d.rumble = &ev
	}

	up.Retval = 0
	if err := d.dev.EndFFUpload(up); err != nil {
		log.Info(fmt.Sprintf("ff upload end failed: %v", err),
			zap.String("device_name", d.cfg.Name), logger.Warning)
	}
}

// handleErase acknowledges an erase. There is no per-effect bookkeeping, a
// new upload simply replaces the retained effect.
func (d *Device) handleErase(requestID int32) {
	er, err := d.dev.BeginFFErase(requestID)
	if err != nil {
		log.Info(fmt.Sprintf("ff erase begin failed: %v", err),
			zap.String("device_name", d.cfg.Name), logger.Warning)
		return
	}
	er.Retval = 0
	if err := d.dev.EndFFErase(er); err != nil {
		log.Info(fmt.Sprintf("ff erase end failed: %v", err),
			zap.String("device_name", d.cfg.Name), logger.Warning)
	}
}

func boolValue(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func containsFd(fds []int, fd int) bool {
	for _, f := range fds {
		if f == fd {
			return true
		}
	}
	return false
}
