package virt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/holoplot/go-evdev"
	"github.com/virtpad/virtpad/internal/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var log = logger.GetLogger()

const uinputPath = "/dev/uinput"

// Ref: uinput.h, input.h. Constants that live outside input-event-codes.h
// are not covered by go-evdev, so they are defined here.
const (
	uinputMaxNameSize = 80
	absCnt            = 0x40

	// EV_UINPUT carries kernel->userspace force-feedback requests.
	EV_UINPUT    = evdev.EvType(0x0101)
	UI_FF_UPLOAD = evdev.EvCode(1)
	UI_FF_ERASE  = evdev.EvCode(2)

	FF_RUMBLE   = evdev.EvCode(0x50)
	FF_PERIODIC = evdev.EvCode(0x51)
	FF_GAIN     = evdev.EvCode(0x60)

	INPUT_PROP_POINTER       = 0x00
	INPUT_PROP_BUTTONPAD     = 0x02
	INPUT_PROP_ACCELEROMETER = 0x06

	// ff_effects_max advertised through uinput_user_dev when force
	// feedback is part of the capability set.
	ffEffectsMax = 16
)

// Ref: ioctl.h
const (
	iocNone  = 0x0
	iocWrite = 0x1
	iocRead  = 0x2

	iocNrshift   = 0
	iocTypeshift = 8
	iocSizeshift = 16
	iocDirshift  = 30
)

func ioc(dir, t, nr, size uintptr) uintptr {
	return dir<<iocDirshift | t<<iocTypeshift | nr<<iocNrshift | size<<iocSizeshift
}

var (
	uiDevCreate  = ioc(iocNone, 'U', 1, 0)
	uiDevDestroy = ioc(iocNone, 'U', 2, 0)

	uiSetEvBit   = ioc(iocWrite, 'U', 100, 4)
	uiSetKeyBit  = ioc(iocWrite, 'U', 101, 4)
	uiSetAbsBit  = ioc(iocWrite, 'U', 103, 4)
	uiSetMscBit  = ioc(iocWrite, 'U', 104, 4)
	uiSetFFBit   = ioc(iocWrite, 'U', 107, 4)
	uiSetPhys    = ioc(iocWrite, 'U', 108, unsafe.Sizeof(uintptr(0)))
	uiSetPropBit = ioc(iocWrite, 'U', 110, 4)
	uiSetUniq    = ioc(iocWrite, 'U', 112, unsafe.Sizeof(uintptr(0)))

	uiBeginFFUpload = ioc(iocRead|iocWrite, 'U', 200, unsafe.Sizeof(ffUpload{}))
	uiEndFFUpload   = ioc(iocWrite, 'U', 201, unsafe.Sizeof(ffUpload{}))
	uiBeginFFErase  = ioc(iocRead|iocWrite, 'U', 202, unsafe.Sizeof(ffErase{}))
	uiEndFFErase    = ioc(iocWrite, 'U', 203, unsafe.Sizeof(ffErase{}))
)

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// Ref: uinput.h, the legacy uinput_user_dev setup block.
type uinputUserDev struct {
	Name       [uinputMaxNameSize]byte
	ID         inputID
	EffectsMax uint32
	AbsMax     [absCnt]int32
	AbsMin     [absCnt]int32
	AbsFuzz    [absCnt]int32
	AbsFlat    [absCnt]int32
}

type ffTrigger struct {
	Button   uint16
	Interval uint16
}

type ffReplay struct {
	Length uint16
	Delay  uint16
}

// ffEffect mirrors struct ff_effect on 64-bit kernels. The effect union is
// kept as raw bytes and interpreted according to Type.
type ffEffect struct {
	Type      uint16
	ID        int16
	Direction uint16
	Trigger   ffTrigger
	Replay    ffReplay
	_         [2]byte
	U         [32]byte
}

// rumbleMagnitudes interprets the effect union as ff_rumble_effect.
func (e *ffEffect) rumbleMagnitudes() (strong, weak uint16) {
	strong = binary.LittleEndian.Uint16(e.U[0:2])
	weak = binary.LittleEndian.Uint16(e.U[2:4])
	return strong, weak
}

// ffUpload mirrors struct uinput_ff_upload. The kernel blocks the uploading
// application until Retval is written back through UI_END_FF_UPLOAD.
type ffUpload struct {
	RequestID uint32
	Retval    int32
	Effect    ffEffect
	Old       ffEffect
}

// ffErase mirrors struct uinput_ff_erase.
type ffErase struct {
	RequestID uint32
	Retval    int32
	EffectID  uint32
}

// handle is the OS-facing side of a virtual device. It exists as an
// interface so the translation layer can be exercised without /dev/uinput.
type handle interface {
	Fd() int
	WriteEvent(t evdev.EvType, c evdev.EvCode, v int32) error
	Sync() error
	Drain() []evdev.InputEvent
	BeginFFUpload(requestID int32) (*ffUpload, error)
	EndFFUpload(up *ffUpload) error
	BeginFFErase(requestID int32) (*ffErase, error)
	EndFFErase(er *ffErase) error
	Destroy() error
}

// HandleSetup carries everything the OS needs to register a virtual device.
type HandleSetup struct {
	Caps       Capabilities
	Name       string
	Vendor     uint16
	Product    uint16
	Bus        uint16
	Phys       string
	Uniq       string
	Properties []int
}

type uinputHandle struct {
	fd   int
	name string
}

// newHandle registers a virtual device with the kernel. Setting the unique
// id is not supported by every kernel, so creation is attempted twice: the
// primary attempt carries Uniq, and on any failure the default path without
// it is tried before giving up. An error is returned only when both fail.
func newHandle(setup HandleSetup) (handle, error) {
	h, err := createHandle(setup, setup.Uniq)
	if err == nil {
		return h, nil
	}
	if setup.Uniq == "" {
		return nil, err
	}
	log.Info(fmt.Sprintf("device creation with unique id failed, retrying without: %v", err),
		zap.String("device_name", setup.Name), logger.Warning)

	return createHandle(setup, "")
}

func createHandle(setup HandleSetup, uniq string) (handle, error) {
	fd, err := unix.Open(uinputPath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", uinputPath, err)
	}

	h := &uinputHandle{fd: fd, name: setup.Name}
	if err := h.setup(setup, uniq); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return h, nil
}

func (h *uinputHandle) setup(setup HandleSetup, uniq string) error {
	caps := setup.Caps

	if len(caps.Keys) > 0 {
		if err := ioctl(h.fd, uiSetEvBit, uintptr(evdev.EV_KEY)); err != nil {
			return fmt.Errorf("UI_SET_EVBIT EV_KEY: %w", err)
		}
		for _, code := range caps.Keys {
			if err := ioctl(h.fd, uiSetKeyBit, uintptr(code)); err != nil {
				return fmt.Errorf("UI_SET_KEYBIT 0x%03x: %w", code, err)
			}
		}
	}

	if len(caps.Axes) > 0 {
		if err := ioctl(h.fd, uiSetEvBit, uintptr(evdev.EV_ABS)); err != nil {
			return fmt.Errorf("UI_SET_EVBIT EV_ABS: %w", err)
		}
		for code := range caps.Axes {
			if err := ioctl(h.fd, uiSetAbsBit, uintptr(code)); err != nil {
				return fmt.Errorf("UI_SET_ABSBIT 0x%02x: %w", code, err)
			}
		}
	}

	if len(caps.Misc) > 0 {
		if err := ioctl(h.fd, uiSetEvBit, uintptr(evdev.EV_MSC)); err != nil {
			return fmt.Errorf("UI_SET_EVBIT EV_MSC: %w", err)
		}
		for _, code := range caps.Misc {
			if err := ioctl(h.fd, uiSetMscBit, uintptr(code)); err != nil {
				return fmt.Errorf("UI_SET_MSCBIT 0x%02x: %w", code, err)
			}
		}
	}

	if len(caps.Force) > 0 {
		if err := ioctl(h.fd, uiSetEvBit, uintptr(evdev.EV_FF)); err != nil {
			return fmt.Errorf("UI_SET_EVBIT EV_FF: %w", err)
		}
		for _, code := range caps.Force {
			if err := ioctl(h.fd, uiSetFFBit, uintptr(code)); err != nil {
				return fmt.Errorf("UI_SET_FFBIT 0x%02x: %w", code, err)
			}
		}
	}

	for _, prop := range setup.Properties {
		if err := ioctl(h.fd, uiSetPropBit, uintptr(prop)); err != nil {
			return fmt.Errorf("UI_SET_PROPBIT 0x%02x: %w", prop, err)
		}
	}

	if setup.Phys != "" {
		phys := append([]byte(setup.Phys), 0)
		if err := ioctl(h.fd, uiSetPhys, uintptr(unsafe.Pointer(&phys[0]))); err != nil {
			return fmt.Errorf("UI_SET_PHYS: %w", err)
		}
	}

	if uniq != "" {
		u := append([]byte(uniq), 0)
		if err := ioctl(h.fd, uiSetUniq, uintptr(unsafe.Pointer(&u[0]))); err != nil {
			return fmt.Errorf("UI_SET_UNIQ: %w", err)
		}
	}

	userDev := uinputUserDev{
		ID: inputID{
			BusType: setup.Bus,
			Vendor:  setup.Vendor,
			Product: setup.Product,
			Version: 1,
		},
	}
	copy(userDev.Name[:], setup.Name)
	if len(caps.Force) > 0 {
		userDev.EffectsMax = ffEffectsMax
	}
	for code, info := range caps.Axes {
		userDev.AbsMin[code] = info.Min
		userDev.AbsMax[code] = info.Max
		userDev.AbsFuzz[code] = info.Fuzz
		userDev.AbsFlat[code] = info.Flat
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, userDev); err != nil {
		return fmt.Errorf("cannot serialize device setup: %w", err)
	}
	if _, err := unix.Write(h.fd, buf.Bytes()); err != nil {
		return fmt.Errorf("cannot write device setup: %w", err)
	}

	if err := ioctl(h.fd, uiDevCreate, 0); err != nil {
		return fmt.Errorf("UI_DEV_CREATE: %w", err)
	}
	return nil
}

func (h *uinputHandle) Fd() int {
	return h.fd
}

const eventSize = int(unsafe.Sizeof(evdev.InputEvent{}))

func (h *uinputHandle) WriteEvent(t evdev.EvType, c evdev.EvCode, v int32) error {
	ev := evdev.InputEvent{Type: t, Code: c, Value: v}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, ev); err != nil {
		return err
	}
	_, err := unix.Write(h.fd, buf.Bytes())
	return err
}

func (h *uinputHandle) Sync() error {
	return h.WriteEvent(evdev.EV_SYN, evdev.SYN_REPORT, 0)
}

// Drain reads whatever the kernel has buffered without blocking. The caller
// is expected to invoke it only after its own poll reported readiness.
func (h *uinputHandle) Drain() []evdev.InputEvent {
	var out []evdev.InputEvent
	buf := make([]byte, eventSize*64)

	for {
		n, err := unix.Read(h.fd, buf)
		if err != nil || n < eventSize {
			return out
		}
		reader := bytes.NewReader(buf[:n-n%eventSize])
		for reader.Len() >= eventSize {
			var ev evdev.InputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				return out
			}
			out = append(out, ev)
		}
	}
}

func (h *uinputHandle) BeginFFUpload(requestID int32) (*ffUpload, error) {
	up := &ffUpload{RequestID: uint32(requestID)}
	if err := ioctl(h.fd, uiBeginFFUpload, uintptr(unsafe.Pointer(up))); err != nil {
		return nil, fmt.Errorf("UI_BEGIN_FF_UPLOAD: %w", err)
	}
	return up, nil
}

func (h *uinputHandle) EndFFUpload(up *ffUpload) error {
	if err := ioctl(h.fd, uiEndFFUpload, uintptr(unsafe.Pointer(up))); err != nil {
		return fmt.Errorf("UI_END_FF_UPLOAD: %w", err)
	}
	return nil
}

func (h *uinputHandle) BeginFFErase(requestID int32) (*ffErase, error) {
	er := &ffErase{RequestID: uint32(requestID)}
	if err := ioctl(h.fd, uiBeginFFErase, uintptr(unsafe.Pointer(er))); err != nil {
		return nil, fmt.Errorf("UI_BEGIN_FF_ERASE: %w", err)
	}
	return er, nil
}

func (h *uinputHandle) EndFFErase(er *ffErase) error {
	if err := ioctl(h.fd, uiEndFFErase, uintptr(unsafe.Pointer(er))); err != nil {
		return fmt.Errorf("UI_END_FF_ERASE: %w", err)
	}
	return nil
}

func (h *uinputHandle) Destroy() error {
	err := ioctl(h.fd, uiDevDestroy, 0)
	if cerr := unix.Close(h.fd); err == nil {
		err = cerr
	}
	return err
}
