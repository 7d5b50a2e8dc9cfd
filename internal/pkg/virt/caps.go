package virt

import (
	"math"

	"github.com/holoplot/go-evdev"
	"github.com/virtpad/virtpad/internal/pkg/event"
)

// Device identity defaults. Product ids separate the roles so consuming
// software can tell the devices apart.
const (
	VendorID = 0x5650
	BusUSB   = 0x03

	ProductGamepad  = 0x0001
	ProductMotion   = 0x0002
	ProductTouchpad = 0x0003
)

// AbsInfo describes the advertised range of one absolute axis.
type AbsInfo struct {
	Min        int32
	Max        int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// Capabilities is the full set of event codes one virtual device advertises.
type Capabilities struct {
	Keys  []evdev.EvCode
	Axes  map[evdev.EvCode]AbsInfo
	Misc  []evdev.EvCode
	Force []evdev.EvCode
	Props []int
}

// Bounds clamps a fully transformed axis value. Absent bounds mean
// unclamped pass-through.
type Bounds struct {
	Min int32
	Max int32
}

// AxisTarget maps one abstract axis code onto a device axis. Bounds, when
// present, apply after scale and offset.
type AxisTarget struct {
	Code   evdev.EvCode
	Scale  float64
	Offset float64
	Bounds *Bounds
}

const (
	stickRange   = 32767
	triggerRange = 255

	touchpadRange = 1023

	// MaxTrackingID is the last multi-touch tracking id handed out before
	// wrapping back to 1.
	MaxTrackingID = 500

	// Motion device resolutions, following the common accelerometer
	// convention: counts per g and counts per deg/s.
	accelResolution = 8192
	gyroResolution  = 1024

	accelRange = 4 * accelResolution
	gyroRange  = 2048 * gyroResolution
)

// Scales from abstract units (m/s^2, deg/s) to device counts.
var (
	accelScale = accelResolution / 9.80665
	gyroScale  = gyroResolution * 180 / math.Pi
)

func bounds(min, max int32) *Bounds {
	return &Bounds{Min: min, Max: max}
}

// GamepadCapabilities advertises a plain dual-stick controller with rumble.
func GamepadCapabilities() Capabilities {
	return Capabilities{
		Keys: []evdev.EvCode{
			evdev.BTN_SOUTH, evdev.BTN_EAST, evdev.BTN_NORTH, evdev.BTN_WEST,
			evdev.BTN_TL, evdev.BTN_TR,
			evdev.BTN_THUMBL, evdev.BTN_THUMBR,
			evdev.BTN_SELECT, evdev.BTN_START, evdev.BTN_MODE,
			evdev.BTN_DPAD_UP, evdev.BTN_DPAD_DOWN,
			evdev.BTN_DPAD_LEFT, evdev.BTN_DPAD_RIGHT,
		},
		Axes: map[evdev.EvCode]AbsInfo{
			evdev.ABS_X:  {Min: -stickRange, Max: stickRange, Fuzz: 16, Flat: 128},
			evdev.ABS_Y:  {Min: -stickRange, Max: stickRange, Fuzz: 16, Flat: 128},
			evdev.ABS_RX: {Min: -stickRange, Max: stickRange, Fuzz: 16, Flat: 128},
			evdev.ABS_RY: {Min: -stickRange, Max: stickRange, Fuzz: 16, Flat: 128},
			evdev.ABS_Z:  {Min: 0, Max: triggerRange},
			evdev.ABS_RZ: {Min: 0, Max: triggerRange},
		},
		Force: []evdev.EvCode{FF_RUMBLE},
	}
}

func GamepadButtonMap() map[event.Code]evdev.EvCode {
	return map[event.Code]evdev.EvCode{
		event.CodeA: evdev.BTN_SOUTH,
		event.CodeB: evdev.BTN_EAST,
		event.CodeX: evdev.BTN_NORTH,
		event.CodeY: evdev.BTN_WEST,

		event.CodeLB: evdev.BTN_TL,
		event.CodeRB: evdev.BTN_TR,
		event.CodeLS: evdev.BTN_THUMBL,
		event.CodeRS: evdev.BTN_THUMBR,

		event.CodeStart:  evdev.BTN_START,
		event.CodeSelect: evdev.BTN_SELECT,
		event.CodeGuide:  evdev.BTN_MODE,

		event.CodeDpadUp:    evdev.BTN_DPAD_UP,
		event.CodeDpadDown:  evdev.BTN_DPAD_DOWN,
		event.CodeDpadLeft:  evdev.BTN_DPAD_LEFT,
		event.CodeDpadRight: evdev.BTN_DPAD_RIGHT,
	}
}

func GamepadAxisMap() map[event.Code]AxisTarget {
	return map[event.Code]AxisTarget{
		event.CodeLeftStickX:  {Code: evdev.ABS_X, Scale: stickRange, Bounds: bounds(-stickRange, stickRange)},
		event.CodeLeftStickY:  {Code: evdev.ABS_Y, Scale: stickRange, Bounds: bounds(-stickRange, stickRange)},
		event.CodeRightStickX: {Code: evdev.ABS_RX, Scale: stickRange, Bounds: bounds(-stickRange, stickRange)},
		event.CodeRightStickY: {Code: evdev.ABS_RY, Scale: stickRange, Bounds: bounds(-stickRange, stickRange)},

		event.CodeLeftTrigger:  {Code: evdev.ABS_Z, Scale: triggerRange, Bounds: bounds(0, triggerRange)},
		event.CodeRightTrigger: {Code: evdev.ABS_RZ, Scale: triggerRange, Bounds: bounds(0, triggerRange)},
	}
}

// MotionCapabilities advertises an accelerometer+gyro device the way SDL
// and similar consumers expect it: accel on ABS_X..Z, gyro on ABS_RX..RZ,
// timestamps over MSC_TIMESTAMP.
func MotionCapabilities() Capabilities {
	return Capabilities{
		Axes: map[evdev.EvCode]AbsInfo{
			evdev.ABS_X:  {Min: -accelRange, Max: accelRange, Resolution: accelResolution},
			evdev.ABS_Y:  {Min: -accelRange, Max: accelRange, Resolution: accelResolution},
			evdev.ABS_Z:  {Min: -accelRange, Max: accelRange, Resolution: accelResolution},
			evdev.ABS_RX: {Min: -gyroRange, Max: gyroRange, Resolution: gyroResolution},
			evdev.ABS_RY: {Min: -gyroRange, Max: gyroRange, Resolution: gyroResolution},
			evdev.ABS_RZ: {Min: -gyroRange, Max: gyroRange, Resolution: gyroResolution},
		},
		Misc:  []evdev.EvCode{evdev.MSC_TIMESTAMP},
		Props: []int{INPUT_PROP_ACCELEROMETER},
	}
}

func MotionAxisMap() map[event.Code]AxisTarget {
	return map[event.Code]AxisTarget{
		event.CodeAccelX: {Code: evdev.ABS_X, Scale: accelScale, Bounds: bounds(-accelRange, accelRange)},
		event.CodeAccelY: {Code: evdev.ABS_Y, Scale: accelScale, Bounds: bounds(-accelRange, accelRange)},
		event.CodeAccelZ: {Code: evdev.ABS_Z, Scale: accelScale, Bounds: bounds(-accelRange, accelRange)},

		event.CodeGyroX: {Code: evdev.ABS_RX, Scale: gyroScale, Bounds: bounds(-gyroRange, gyroRange)},
		event.CodeGyroY: {Code: evdev.ABS_RY, Scale: gyroScale, Bounds: bounds(-gyroRange, gyroRange)},
		event.CodeGyroZ: {Code: evdev.ABS_RZ, Scale: gyroScale, Bounds: bounds(-gyroRange, gyroRange)},
	}
}

// TouchpadCapabilities advertises a single-touch-emulating touchpad with a
// synthetic multi-touch slot for software that only reads ABS_MT.
func TouchpadCapabilities() Capabilities {
	return Capabilities{
		Keys: []evdev.EvCode{
			evdev.BTN_TOUCH, evdev.BTN_TOOL_FINGER, evdev.BTN_LEFT,
		},
		Axes: map[evdev.EvCode]AbsInfo{
			evdev.ABS_X:              {Min: 0, Max: touchpadRange},
			evdev.ABS_Y:              {Min: 0, Max: touchpadRange},
			evdev.ABS_MT_POSITION_X:  {Min: 0, Max: touchpadRange},
			evdev.ABS_MT_POSITION_Y:  {Min: 0, Max: touchpadRange},
			evdev.ABS_MT_TRACKING_ID: {Min: 0, Max: MaxTrackingID},
		},
		Misc:  []evdev.EvCode{evdev.MSC_TIMESTAMP},
		Props: []int{INPUT_PROP_POINTER, INPUT_PROP_BUTTONPAD},
	}
}

func TouchpadButtonMap() map[event.Code]evdev.EvCode {
	return map[event.Code]evdev.EvCode{
		event.CodeTouchpadTouch: evdev.BTN_TOUCH,
		event.CodeTouchpadLeft:  evdev.BTN_LEFT,
	}
}

func TouchpadAxisMap() map[event.Code]AxisTarget {
	return map[event.Code]AxisTarget{
		event.CodeTouchpadX: {Code: evdev.ABS_X, Scale: touchpadRange, Bounds: bounds(0, touchpadRange)},
		event.CodeTouchpadY: {Code: evdev.ABS_Y, Scale: touchpadRange, Bounds: bounds(0, touchpadRange)},
	}
}
