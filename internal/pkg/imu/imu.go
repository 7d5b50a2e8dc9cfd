// Package imu reads the industrial-io accelerometer and gyroscope exposed
// by handheld devices and feeds them into the runtime as abstract events.
package imu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/virtpad/virtpad/internal/pkg/event"
	"github.com/virtpad/virtpad/internal/pkg/logger"
	"golang.org/x/sys/unix"
)

var log = logger.GetLogger()

const iioBaseDir = "/sys/bus/iio/devices/"

const samplingFrequency = "1000"

type sensor struct {
	dir    string
	scale  float64
	offset float64
}

// IMU polls both sensors and hands batches to feed, one batch per cycle,
// tagged with a monotonic nanosecond timestamp.
type IMU struct {
	accel sensor
	gyro  sensor
	rate  time.Duration
	feed  func([]event.Event)
}

// Find locates the accelerometer and gyroscope iio devices. Both have to
// be present, a lone sensor is not usable for motion emulation.
func Find() (accelDir, gyroDir string, err error) {
	entries, err := os.ReadDir(iioBaseDir)
	if err != nil {
		return "", "", fmt.Errorf("cannot list iio devices: %w", err)
	}

	for _, entry := range entries {
		if !strings.Contains(entry.Name(), "device") {
			continue
		}
		dir := filepath.Join(iioBaseDir, entry.Name())
		name, err := readString(dir, "name")
		if err != nil {
			continue
		}
		switch name {
		case "accel_3d":
			accelDir = dir
		case "gyro_3d":
			gyroDir = dir
		}
	}

	if accelDir == "" || gyroDir == "" {
		return "", "", fmt.Errorf("accelerometer or gyroscope not found under %s", iioBaseDir)
	}
	return accelDir, gyroDir, nil
}

func New(accelDir, gyroDir string, rate time.Duration, feed func([]event.Event)) (*IMU, error) {
	for _, s := range []struct{ dir, freq string }{
		{accelDir, "in_accel_sampling_frequency"},
		{gyroDir, "in_anglvel_sampling_frequency"},
	} {
		if err := writeString(s.dir, s.freq, samplingFrequency); err != nil {
			log.Info(fmt.Sprintf("cannot set sampling frequency for %s: %v", s.dir, err), logger.Warning)
		}
	}

	accel := sensor{dir: accelDir}
	gyro := sensor{dir: gyroDir}
	accel.scale, _ = readFloat(accelDir, "in_accel_scale")
	accel.offset, _ = readFloat(accelDir, "in_accel_offset")
	gyro.scale, _ = readFloat(gyroDir, "in_anglvel_scale")
	gyro.offset, _ = readFloat(gyroDir, "in_anglvel_offset")

	return &IMU{accel: accel, gyro: gyro, rate: rate, feed: feed}, nil
}

// Run polls both sensors until the context is cancelled.
func (i *IMU) Run(ctx context.Context) {
	log.Info(fmt.Sprintf("reading motion sensors (accel: %s, gyro: %s)", i.accel.dir, i.gyro.dir), logger.Info)
	started := time.Now()

	ticker := time.NewTicker(i.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("motion sensor reading stopped", logger.Debug)
			return
		case <-ticker.C:
		}

		batch, err := i.readBatch(started)
		if err != nil {
			log.Info(fmt.Sprintf("sensor read failed: %v", err), logger.Warning)
			time.Sleep(time.Millisecond * 200)
			continue
		}
		i.feed(batch)
	}
}

func (i *IMU) readBatch(started time.Time) ([]event.Event, error) {
	gx, err := i.gyro.read("in_anglvel_x_raw")
	if err != nil {
		return nil, err
	}
	gy, err := i.gyro.read("in_anglvel_y_raw")
	if err != nil {
		return nil, err
	}
	gz, err := i.gyro.read("in_anglvel_z_raw")
	if err != nil {
		return nil, err
	}
	ax, err := i.accel.read("in_accel_x_raw")
	if err != nil {
		return nil, err
	}
	ay, err := i.accel.read("in_accel_y_raw")
	if err != nil {
		return nil, err
	}
	az, err := i.accel.read("in_accel_z_raw")
	if err != nil {
		return nil, err
	}

	// iio reports angular velocity in rad/s, the event contract wants
	// deg/s.
	const radToDeg = 180 / 3.141592653589793

	return []event.Event{
		event.Axis(event.CodeGyroX, gx*radToDeg),
		event.Axis(event.CodeGyroY, gy*radToDeg),
		event.Axis(event.CodeGyroZ, gz*radToDeg),
		event.Axis(event.CodeAccelX, ax),
		event.Axis(event.CodeAccelY, ay),
		event.Axis(event.CodeAccelZ, az),
		event.Timestamp(event.CodeIMUTS, time.Since(started).Nanoseconds()),
	}, nil
}

func (s sensor) read(name string) (float64, error) {
	raw, err := readFloat(s.dir, name)
	if err != nil {
		return 0, err
	}
	return raw*s.scale + s.offset, nil
}

func readString(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readFloat(dir, name string) (float64, error) {
	s, err := readString(dir, name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

func writeString(dir, name, value string) error {
	fd, err := unix.Open(filepath.Join(dir, name), unix.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.Write(fd, []byte(value+"\n"))
	return err
}
