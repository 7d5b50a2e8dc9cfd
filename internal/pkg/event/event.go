// Package event defines the hardware-independent event records that cross
// the boundary between physical device drivers and virtual output devices.
package event

// Kind discriminates the event union. Consumers are expected to switch over
// it exhaustively; an unknown Kind must be dropped, not treated as an error.
type Kind uint8

const (
	KindAxis Kind = iota
	KindButton
	KindConfiguration
	KindRumble
)

func (k Kind) String() string {
	switch k {
	case KindAxis:
		return "axis"
	case KindButton:
		return "button"
	case KindConfiguration:
		return "configuration"
	case KindRumble:
		return "rumble"
	default:
		return "unknown"
	}
}

// Code is a domain identifier like "left_stick_x" or "a". Codes unknown to a
// consumer are silently ignored, which keeps old consumers compatible with
// newer producers.
type Code string

// Axis codes. Stick values are normalized to [-1, 1], triggers and touchpad
// positions to [0, 1]. Accelerometer values are m/s^2, gyro values deg/s.
const (
	CodeLeftStickX   Code = "left_stick_x"
	CodeLeftStickY   Code = "left_stick_y"
	CodeRightStickX  Code = "right_stick_x"
	CodeRightStickY  Code = "right_stick_y"
	CodeLeftTrigger  Code = "left_trigger"
	CodeRightTrigger Code = "right_trigger"

	CodeAccelX Code = "accel_x"
	CodeAccelY Code = "accel_y"
	CodeAccelZ Code = "accel_z"
	CodeGyroX  Code = "gyro_x"
	CodeGyroY  Code = "gyro_y"
	CodeGyroZ  Code = "gyro_z"

	CodeTouchpadX Code = "touchpad_x"
	CodeTouchpadY Code = "touchpad_y"

	// Sensor timestamps, nanoseconds in the Timestamp field.
	CodeAccelTS Code = "accel_ts"
	CodeGyroTS  Code = "gyro_ts"
	CodeIMUTS   Code = "imu_ts"
)

// Button codes.
const (
	CodeDpadUp    Code = "dpad_up"
	CodeDpadDown  Code = "dpad_down"
	CodeDpadLeft  Code = "dpad_left"
	CodeDpadRight Code = "dpad_right"

	CodeA Code = "a"
	CodeB Code = "b"
	CodeX Code = "x"
	CodeY Code = "y"

	CodeLS Code = "ls"
	CodeRS Code = "rs"
	CodeLB Code = "lb"
	CodeRB Code = "rb"

	CodeStart  Code = "start"
	CodeSelect Code = "select"
	CodeGuide  Code = "guide"
	CodeShare  Code = "share"

	CodeTouchpadTouch Code = "touchpad_touch"
	CodeTouchpadLeft  Code = "touchpad_left"
)

// Configuration codes.
const (
	CodeTouchpadAspectRatio Code = "touchpad_aspect_ratio"
	CodeLEDColor            Code = "led_color"
)

// Rumble codes. "main" addresses the controller as a whole.
const (
	CodeRumbleMain Code = "main"
)

// Event is the only type crossing the translation boundary. Which value
// fields are meaningful depends on Kind:
//
//	KindAxis          Value, or Timestamp for *_ts codes
//	KindButton        Pressed
//	KindConfiguration Value (touchpad_aspect_ratio), Red/Green/Blue (led_color)
//	KindRumble        Weak, Strong in [0, 1]
type Event struct {
	Kind Kind
	Code Code

	Value     float64
	Pressed   bool
	Timestamp int64

	Weak   float64
	Strong float64

	Red   uint8
	Green uint8
	Blue  uint8
}

func Axis(code Code, value float64) Event {
	return Event{Kind: KindAxis, Code: code, Value: value}
}

func Timestamp(code Code, ns int64) Event {
	return Event{Kind: KindAxis, Code: code, Timestamp: ns}
}

func Button(code Code, pressed bool) Event {
	return Event{Kind: KindButton, Code: code, Pressed: pressed}
}

func Rumble(weak, strong float64) Event {
	return Event{Kind: KindRumble, Code: CodeRumbleMain, Weak: weak, Strong: strong}
}

func AspectRatio(ratio float64) Event {
	return Event{Kind: KindConfiguration, Code: CodeTouchpadAspectRatio, Value: ratio}
}

// LEDColor carries an rgb color plus a brightness level in [0, 1].
func LEDColor(r, g, b uint8, brightness float64) Event {
	return Event{Kind: KindConfiguration, Code: CodeLEDColor, Red: r, Green: g, Blue: b, Value: brightness}
}
