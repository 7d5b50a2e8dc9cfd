// Package virtpad carries the daemon-level configuration and the
// composition of virtual output devices built from it.
package virtpad

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-ini/ini"
	"github.com/virtpad/virtpad/internal/pkg/logger"
)

var log = logger.GetLogger()

type Config struct {
	Virtpad struct {
		Name     string
		Vendor   uint16
		Product  uint16
		Bus      uint16
		Phys     string
		Uniq     string
		Profile  string
		PollRate time.Duration
	}

	Motion struct {
		Enabled bool
	}

	Touchpad struct {
		Enabled     bool
		AspectRatio float64
	}

	LED struct {
		Enabled   bool
		Address   string
		Port      int
		RateLimit float64
	}
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config: %w", err)
	}

	cfg, err := ini.Load(data)
	if err != nil {
		return Config{}, fmt.Errorf("cannot parse config: %w", err)
	}

	var c Config

	// [virtpad]
	virtpad := cfg.Section("virtpad")
	c.Virtpad.Name = virtpad.Key("name").MustString("Virtpad Controller")
	c.Virtpad.Phys = virtpad.Key("phys").MustString("phys-virtpad-main")
	c.Virtpad.Uniq = virtpad.Key("uniq").String()
	c.Virtpad.Profile = virtpad.Key("profile").String()

	c.Virtpad.Vendor, err = hexID(virtpad.Key("vendor_id").MustString("0x5650"))
	if err != nil {
		return Config{}, fmt.Errorf("vendor_id: %w", err)
	}
	c.Virtpad.Product, err = hexID(virtpad.Key("product_id").MustString("0x0001"))
	if err != nil {
		return Config{}, fmt.Errorf("product_id: %w", err)
	}
	c.Virtpad.Bus, err = hexID(virtpad.Key("bus_type").MustString("0x03"))
	if err != nil {
		return Config{}, fmt.Errorf("bus_type: %w", err)
	}

	pollRate := virtpad.Key("poll_rate").MustInt(250)
	if pollRate <= 0 {
		return Config{}, fmt.Errorf("poll_rate has to be positive, got %d", pollRate)
	}
	c.Virtpad.PollRate = time.Second / time.Duration(pollRate)

	// [motion]
	motion := cfg.Section("motion")
	c.Motion.Enabled = motion.Key("enabled").MustBool(false)

	// [touchpad]
	touchpad := cfg.Section("touchpad")
	c.Touchpad.Enabled = touchpad.Key("enabled").MustBool(false)
	c.Touchpad.AspectRatio = touchpad.Key("aspect_ratio").MustFloat64(1.0)

	// [led]
	led := cfg.Section("led")
	c.LED.Enabled = led.Key("enabled").MustBool(false)
	c.LED.Address = led.Key("address").MustString("localhost")
	c.LED.Port = led.Key("port").MustInt(6742)
	c.LED.RateLimit = led.Key("rate_limit").MustFloat64(4.0)

	return c, nil
}

func hexID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("cannot parse id '%s': %w", s, err)
	}
	return uint16(v), nil
}
