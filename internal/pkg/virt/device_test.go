package virt

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/virtpad/virtpad/internal/pkg/event"
)

type write struct {
	t evdev.EvType
	c evdev.EvCode
	v int32
}

type fakeHandle struct {
	fd      int
	writes  []write
	syncs   int
	pending []evdev.InputEvent

	uploads    map[int32]*ffUpload
	endUploads []*ffUpload
	endErases  []*ffErase

	destroyed int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{fd: 42, uploads: make(map[int32]*ffUpload)}
}

func (f *fakeHandle) Fd() int { return f.fd }

func (f *fakeHandle) WriteEvent(t evdev.EvType, c evdev.EvCode, v int32) error {
	f.writes = append(f.writes, write{t, c, v})
	return nil
}

func (f *fakeHandle) Sync() error {
	f.syncs++
	return nil
}

func (f *fakeHandle) Drain() []evdev.InputEvent {
	p := f.pending
	f.pending = nil
	return p
}

func (f *fakeHandle) BeginFFUpload(requestID int32) (*ffUpload, error) {
	up, ok := f.uploads[requestID]
	if !ok {
		return nil, errors.New("unknown upload request")
	}
	return up, nil
}

func (f *fakeHandle) EndFFUpload(up *ffUpload) error {
	f.endUploads = append(f.endUploads, up)
	return nil
}

func (f *fakeHandle) BeginFFErase(requestID int32) (*ffErase, error) {
	return &ffErase{RequestID: uint32(requestID)}, nil
}

func (f *fakeHandle) EndFFErase(er *ffErase) error {
	f.endErases = append(f.endErases, er)
	return nil
}

func (f *fakeHandle) Destroy() error {
	f.destroyed++
	return nil
}

func rumbleEffect(strong, weak uint16) ffEffect {
	var e ffEffect
	e.Type = uint16(FF_RUMBLE)
	binary.LittleEndian.PutUint16(e.U[0:2], strong)
	binary.LittleEndian.PutUint16(e.U[2:4], weak)
	return e
}

// newTestDevice opens a device backed by a fake handle.
func newTestDevice(t *testing.T, cfg Config) (*Device, *fakeHandle) {
	t.Helper()

	fake := newFakeHandle()
	cfg.factory = func(HandleSetup) (handle, error) {
		return fake, nil
	}
	if cfg.Name == "" {
		cfg.Name = "Test Controller"
	}

	d := NewDevice(cfg)
	_, err := d.Open()
	assert.Equal(t, nil, err)
	return d, fake
}

func stickConfig() Config {
	return Config{
		AxisMap: map[event.Code]AxisTarget{
			event.CodeLeftStickX: {Code: evdev.ABS_X, Scale: 1, Bounds: bounds(-32767, 32767)},
		},
		ButtonMap: map[event.Code]evdev.EvCode{
			event.CodeA: evdev.BTN_SOUTH,
		},
	}
}

func touchpadConfig() Config {
	return Config{
		AxisMap: map[event.Code]AxisTarget{
			event.CodeTouchpadX: {Code: evdev.ABS_X, Scale: 1000, Bounds: bounds(0, 1023)},
			event.CodeTouchpadY: {Code: evdev.ABS_Y, Scale: 1000, Bounds: bounds(0, 1023)},
		},
		ButtonMap: map[event.Code]evdev.EvCode{
			event.CodeTouchpadTouch: evdev.BTN_TOUCH,
		},
	}
}

func TestUnmappedCodesAreIgnored(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	d.Consume([]event.Event{
		event.Axis("unknown_axis", 0.5),
		event.Button("unknown_button", true),
		{Kind: event.KindConfiguration, Code: "unknown_setting", Value: 1},
		event.Rumble(1, 1),
	})

	assert.Equal(t, 0, len(fake.writes))
	assert.Equal(t, 0, fake.syncs)
}

func TestAxisClamping(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	d.Consume([]event.Event{event.Axis(event.CodeLeftStickX, 40000)})

	assert.Equal(t, []write{{evdev.EV_ABS, evdev.ABS_X, 32767}}, fake.writes)
	assert.Equal(t, 1, fake.syncs)
}

func TestAxisClampingBeyondInt32Range(t *testing.T) {
	d, fake := newTestDevice(t, Config{
		AxisMap: map[event.Code]AxisTarget{
			event.CodeLeftStickX: {Code: evdev.ABS_X, Scale: 1e9, Bounds: bounds(-32767, 32767)},
		},
	})

	// the transformed value overflows int32 and must still land on the
	// near bound, not wrap to the opposite end
	d.Consume([]event.Event{event.Axis(event.CodeLeftStickX, 40)})
	d.Consume([]event.Event{event.Axis(event.CodeLeftStickX, -40)})

	assert.Equal(t, []write{
		{evdev.EV_ABS, evdev.ABS_X, 32767},
		{evdev.EV_ABS, evdev.ABS_X, -32767},
	}, fake.writes)
}

func TestAxisScaleAndOffset(t *testing.T) {
	d, fake := newTestDevice(t, Config{
		AxisMap: map[event.Code]AxisTarget{
			event.CodeLeftTrigger: {Code: evdev.ABS_Z, Scale: 2, Offset: 10},
		},
	})

	// no bounds: unclamped pass-through
	d.Consume([]event.Event{event.Axis(event.CodeLeftTrigger, 3)})

	assert.Equal(t, []write{{evdev.EV_ABS, evdev.ABS_Z, 16}}, fake.writes)
}

func TestTouchpadAspectRatioAndMirror(t *testing.T) {
	d, fake := newTestDevice(t, touchpadConfig())

	d.Consume([]event.Event{event.AspectRatio(2.0)})
	assert.Equal(t, 0, len(fake.writes)) // configuration causes no device write

	d.Consume([]event.Event{event.Axis(event.CodeTouchpadX, 0.25)})

	// aspect applied after scale/offset, value mirrored onto the mt axis
	assert.Equal(t, []write{
		{evdev.EV_ABS, evdev.ABS_X, 500},
		{evdev.EV_ABS, evdev.ABS_MT_POSITION_X, 500},
	}, fake.writes)
}

func TestTouchpadAspectRatioBeforeClamp(t *testing.T) {
	d, fake := newTestDevice(t, touchpadConfig())

	d.Consume([]event.Event{event.AspectRatio(4.0)})
	d.Consume([]event.Event{event.Axis(event.CodeTouchpadY, 0.5)})

	assert.Equal(t, []write{
		{evdev.EV_ABS, evdev.ABS_Y, 1023},
		{evdev.EV_ABS, evdev.ABS_MT_POSITION_Y, 1023},
	}, fake.writes)
}

func TestBatchDeduplication(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	d.Consume([]event.Event{
		event.Axis(event.CodeLeftStickX, 100),
		event.Button(event.CodeA, false),
		event.Axis(event.CodeLeftStickX, 200),
		event.Button(event.CodeA, true),
	})

	// exactly one write per (kind, code), carrying the latest value
	assert.Equal(t, []write{
		{evdev.EV_KEY, evdev.BTN_SOUTH, 1},
		{evdev.EV_ABS, evdev.ABS_X, 200},
	}, fake.writes)
	assert.Equal(t, 1, fake.syncs)
}

func TestSensorTimestamps(t *testing.T) {
	d, fake := newTestDevice(t, Config{IMUTimestamps: IMUTimestampsAll})

	d.Consume([]event.Event{event.Timestamp(event.CodeGyroTS, 1_500_000)})

	assert.Equal(t, []write{{evdev.EV_MSC, evdev.MSC_TIMESTAMP, 1500}}, fake.writes)
	assert.Equal(t, 1, fake.syncs)
}

func TestSensorTimestampSpecificCode(t *testing.T) {
	d, fake := newTestDevice(t, Config{IMUTimestamps: IMUTimestampMode(event.CodeGyroTS)})

	d.Consume([]event.Event{event.Timestamp(event.CodeAccelTS, 1_000_000)})
	assert.Equal(t, 0, len(fake.writes))

	d.Consume([]event.Event{event.Timestamp(event.CodeGyroTS, 2_000_000)})
	assert.Equal(t, []write{{evdev.EV_MSC, evdev.MSC_TIMESTAMP, 2000}}, fake.writes)
}

func TestSyncHeldBackWithoutTimestamp(t *testing.T) {
	cfg := stickConfig()
	cfg.IMUTimestamps = IMUTimestampsAll
	d, fake := newTestDevice(t, cfg)

	// timestamp output enabled but the batch carries none: no sync marker
	d.Consume([]event.Event{event.Axis(event.CodeLeftStickX, 1000)})

	assert.Equal(t, 1, len(fake.writes))
	assert.Equal(t, 0, fake.syncs)
}

func TestWallClockTimestamp(t *testing.T) {
	cfg := stickConfig()
	cfg.Timestamps = true
	d, fake := newTestDevice(t, cfg)

	d.Consume([]event.Event{event.Axis(event.CodeLeftStickX, 1000)})

	assert.Equal(t, 2, len(fake.writes))
	last := fake.writes[1]
	assert.Equal(t, evdev.EvType(evdev.EV_MSC), last.t)
	assert.Equal(t, evdev.EvCode(evdev.MSC_TIMESTAMP), last.c)
	assert.Equal(t, 1, fake.syncs)
}

func TestNothingWrittenNoTimestampNoSync(t *testing.T) {
	cfg := stickConfig()
	cfg.Timestamps = true
	d, fake := newTestDevice(t, cfg)

	d.Consume([]event.Event{event.Axis("unknown_axis", 1)})

	assert.Equal(t, 0, len(fake.writes))
	assert.Equal(t, 0, fake.syncs)
}

func trackingIDs(writes []write) []int32 {
	var ids []int32
	for _, w := range writes {
		if w.t == evdev.EV_ABS && w.c == evdev.ABS_MT_TRACKING_ID && w.v > 0 {
			ids = append(ids, w.v)
		}
	}
	return ids
}

func TestTouchDownWritesTrackingID(t *testing.T) {
	d, fake := newTestDevice(t, touchpadConfig())

	d.Consume([]event.Event{event.Button(event.CodeTouchpadTouch, true)})

	assert.Equal(t, []write{
		{evdev.EV_ABS, evdev.ABS_MT_TRACKING_ID, 1},
		{evdev.EV_KEY, evdev.BTN_TOOL_FINGER, 1},
		{evdev.EV_KEY, evdev.BTN_TOUCH, 1},
	}, fake.writes)

	fake.writes = nil
	d.Consume([]event.Event{event.Button(event.CodeTouchpadTouch, false)})

	assert.Equal(t, []write{
		{evdev.EV_ABS, evdev.ABS_MT_TRACKING_ID, -1},
		{evdev.EV_KEY, evdev.BTN_TOOL_FINGER, 0},
		{evdev.EV_KEY, evdev.BTN_TOUCH, 0},
	}, fake.writes)
}

func TestTrackingIDWrapsAt500(t *testing.T) {
	d, fake := newTestDevice(t, touchpadConfig())

	for i := 0; i < MaxTrackingID+1; i++ {
		d.Consume([]event.Event{event.Button(event.CodeTouchpadTouch, true)})
		d.Consume([]event.Event{event.Button(event.CodeTouchpadTouch, false)})
	}

	ids := trackingIDs(fake.writes)
	assert.Equal(t, MaxTrackingID+1, len(ids))
	for i := 0; i < MaxTrackingID; i++ {
		assert.Equal(t, int32(i+1), ids[i])
	}
	assert.Equal(t, int32(1), ids[MaxTrackingID])
}

func TestConsumeWithoutOpenDevice(t *testing.T) {
	d := NewDevice(stickConfig())

	// must not panic nor fail
	d.Consume([]event.Event{event.Axis(event.CodeLeftStickX, 1)})
}

func TestRumbleUploadAndActivate(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	effect := rumbleEffect(0x8000, 0xffff)
	fake.uploads[7] = &ffUpload{RequestID: 7, Retval: -1, Effect: effect}
	fake.pending = []evdev.InputEvent{
		{Type: EV_UINPUT, Code: UI_FF_UPLOAD, Value: 7},
		{Type: evdev.EV_FF, Value: 1},
	}

	out := d.Produce([]int{fake.fd})

	assert.Equal(t, 1, len(out))
	assert.Equal(t, event.KindRumble, out[0].Kind)
	assert.Equal(t, event.CodeRumbleMain, out[0].Code)
	assert.Equal(t, 1.0, out[0].Weak)
	assert.InDelta(t, 0.5, out[0].Strong, 0.001)

	// upload acknowledged
	assert.Equal(t, 1, len(fake.endUploads))
	assert.Equal(t, int32(0), fake.endUploads[0].Retval)
}

func TestRumbleUploadReplacesPrevious(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	fake.uploads[1] = &ffUpload{RequestID: 1, Effect: rumbleEffect(0xffff, 0xffff)}
	fake.uploads[2] = &ffUpload{RequestID: 2, Effect: rumbleEffect(0, 0x4000)}
	fake.pending = []evdev.InputEvent{
		{Type: EV_UINPUT, Code: UI_FF_UPLOAD, Value: 1},
		{Type: EV_UINPUT, Code: UI_FF_UPLOAD, Value: 2},
		{Type: evdev.EV_FF, Value: 1},
	}

	out := d.Produce([]int{fake.fd})

	assert.Equal(t, 1, len(out))
	assert.InDelta(t, 0.25, out[0].Weak, 0.001)
	assert.Equal(t, 0.0, out[0].Strong)
}

func TestActivateWithoutUpload(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	fake.pending = []evdev.InputEvent{{Type: evdev.EV_FF, Value: 1}}

	out := d.Produce([]int{fake.fd})
	assert.Equal(t, 0, len(out))
}

func TestDeactivateAlwaysEmitsStop(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	// no upload happened, the stop still has to reach motor drivers
	fake.pending = []evdev.InputEvent{{Type: evdev.EV_FF, Value: 0}}

	out := d.Produce([]int{fake.fd})

	assert.Equal(t, 1, len(out))
	assert.Equal(t, event.KindRumble, out[0].Kind)
	assert.Equal(t, 0.0, out[0].Weak)
	assert.Equal(t, 0.0, out[0].Strong)
}

func TestUnsupportedEffectAccepted(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	var periodic ffEffect
	periodic.Type = uint16(FF_PERIODIC)
	fake.uploads[3] = &ffUpload{RequestID: 3, Retval: -1, Effect: periodic}
	fake.pending = []evdev.InputEvent{
		{Type: EV_UINPUT, Code: UI_FF_UPLOAD, Value: 3},
		{Type: evdev.EV_FF, Value: 1},
	}

	out := d.Produce([]int{fake.fd})

	// accepted but never produces output
	assert.Equal(t, 0, len(out))
	assert.Equal(t, 1, len(fake.endUploads))
	assert.Equal(t, int32(0), fake.endUploads[0].Retval)
}

func TestEraseAcknowledged(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	fake.pending = []evdev.InputEvent{{Type: EV_UINPUT, Code: UI_FF_ERASE, Value: 5}}

	out := d.Produce([]int{fake.fd})

	assert.Equal(t, 0, len(out))
	assert.Equal(t, 1, len(fake.endErases))
	assert.Equal(t, int32(0), fake.endErases[0].Retval)
}

func TestTimestampEchoDiscarded(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	fake.pending = []evdev.InputEvent{
		{Type: evdev.EV_MSC, Code: evdev.MSC_TIMESTAMP, Value: 1234},
	}

	out := d.Produce([]int{fake.fd})
	assert.Equal(t, 0, len(out))
}

func TestProduceRequiresReadyDescriptor(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	fake.pending = []evdev.InputEvent{{Type: evdev.EV_FF, Value: 0}}

	assert.Equal(t, 0, len(d.Produce(nil)))
	assert.Equal(t, 0, len(d.Produce([]int{7})))
	assert.Equal(t, 1, len(d.Produce([]int{fake.fd})))
}

func TestProduceWithoutOpenDevice(t *testing.T) {
	d := NewDevice(stickConfig())
	assert.Equal(t, 0, len(d.Produce([]int{1})))
}

func TestIgnoreCmds(t *testing.T) {
	cfg := stickConfig()
	cfg.IgnoreCmds = true
	d, fake := newTestDevice(t, cfg)

	// no descriptors returned, nothing to poll
	fds, err := d.Open()
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(fds))

	fake.pending = []evdev.InputEvent{{Type: evdev.EV_FF, Value: 0}}
	assert.Equal(t, 0, len(d.Produce([]int{fake.fd})))
}

func TestCloseIsIdempotent(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	assert.Equal(t, true, d.Close(false))
	assert.Equal(t, true, d.Close(false))
	assert.Equal(t, 1, fake.destroyed)

	// no-ops after close
	d.Consume([]event.Event{event.Axis(event.CodeLeftStickX, 1)})
	assert.Equal(t, 0, len(d.Produce([]int{fake.fd})))
}

func TestCloseWithoutOpen(t *testing.T) {
	d := NewDevice(stickConfig())
	assert.Equal(t, true, d.Close(true))
}

func TestReopenClosesPreviousHandle(t *testing.T) {
	d, fake := newTestDevice(t, stickConfig())

	_, err := d.Open()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, fake.destroyed)
}

func TestReopenResetsTouchState(t *testing.T) {
	d, fake := newTestDevice(t, touchpadConfig())

	d.Consume([]event.Event{event.AspectRatio(3.0)})
	d.Consume([]event.Event{event.Button(event.CodeTouchpadTouch, true)})

	_, err := d.Open()
	assert.Equal(t, nil, err)
	fake.writes = nil

	d.Consume([]event.Event{
		event.Button(event.CodeTouchpadTouch, true),
		event.Axis(event.CodeTouchpadX, 0.5),
	})

	assert.Equal(t, []write{
		{evdev.EV_ABS, evdev.ABS_X, 500}, // aspect back to 1.0
		{evdev.EV_ABS, evdev.ABS_MT_POSITION_X, 500},
		{evdev.EV_ABS, evdev.ABS_MT_TRACKING_ID, 1}, // tracking id back to 1
		{evdev.EV_KEY, evdev.BTN_TOOL_FINGER, 1},
		{evdev.EV_KEY, evdev.BTN_TOUCH, 1},
	}, fake.writes)
}

func TestOpenSurfacesFactoryFailure(t *testing.T) {
	cfg := stickConfig()
	cfg.Name = "Broken"
	cfg.factory = func(HandleSetup) (handle, error) {
		return nil, errors.New("both creation paths failed")
	}

	d := NewDevice(cfg)
	_, err := d.Open()
	assert.NotEqual(t, nil, err)

	// a failed open leaves a closed device behind
	assert.Equal(t, true, d.Close(false))
}

func TestOpenPassesConfigurationThrough(t *testing.T) {
	var got HandleSetup
	cfg := Config{
		Caps:    GamepadCapabilities(),
		Name:    "Virtpad Controller",
		Vendor:  0x1234,
		Product: 0x5678,
		Bus:     BusUSB,
		Phys:    "phys-virtpad-main",
		Uniq:    "00:11:22:33:44:55",
	}
	cfg.factory = func(setup HandleSetup) (handle, error) {
		got = setup
		return newFakeHandle(), nil
	}

	d := NewDevice(cfg)
	_, err := d.Open()

	assert.Equal(t, nil, err)
	assert.Equal(t, "Virtpad Controller", got.Name)
	assert.Equal(t, uint16(0x1234), got.Vendor)
	assert.Equal(t, uint16(0x5678), got.Product)
	assert.Equal(t, "phys-virtpad-main", got.Phys)
	assert.Equal(t, "00:11:22:33:44:55", got.Uniq)
	assert.Equal(t, len(GamepadCapabilities().Keys), len(got.Caps.Keys))
}
