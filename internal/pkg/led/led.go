// Package led applies led_color configuration events to the device leds
// through an OpenRGB server.
package led

import (
	"fmt"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/realbucksavage/openrgb-go"
	"github.com/virtpad/virtpad/internal/pkg/event"
	"github.com/virtpad/virtpad/internal/pkg/logger"
)

var log = logger.GetLogger()

// LED is a rate-limited consumer. Only the newest led event of a batch is
// applied; an event arriving inside the rate-limit window is queued and
// flushed by a later batch, so the final color always wins.
type LED struct {
	client     *openrgb.Client
	controller int
	ledCount   int

	minDelay time.Duration
	last     time.Time
	queued   *event.Event
}

func Connect(host string, port int, rateLimit float64) (*LED, error) {
	c, err := openrgb.Connect(host, port)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to openrgb server: %w", err)
	}

	count, err := c.GetControllerCount()
	if err != nil {
		return nil, fmt.Errorf("cannot get controller count: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("no led controllers available")
	}

	dev, err := c.GetDeviceController(0)
	if err != nil {
		return nil, fmt.Errorf("cannot get led controller: %w", err)
	}

	log.Info(fmt.Sprintf("led controller found: %s (%d leds)", dev.Name, len(dev.Colors)), logger.Info)

	minDelay := time.Duration(float64(time.Second) / rateLimit)
	return &LED{
		client:     c,
		controller: 0,
		ledCount:   len(dev.Colors),
		minDelay:   minDelay,
		last:       time.Now().Add(-minDelay),
	}, nil
}

func (l *LED) Consume(events []event.Event) {
	now := time.Now()

	var ev *event.Event
	if l.queued != nil && now.After(l.last.Add(l.minDelay)) {
		ev = l.queued
		l.queued = nil
	}

	for i := range events {
		e := events[i]
		if e.Kind == event.KindConfiguration && e.Code == event.CodeLEDColor {
			ev = &e
			l.queued = nil
		}
	}

	if ev == nil {
		return
	}

	if now.After(l.last.Add(l.minDelay)) {
		l.apply(*ev)
		l.last = now
	} else {
		l.queued = ev
	}
}

func (l *LED) apply(ev event.Event) {
	r, g, b := dim(ev.Red, ev.Green, ev.Blue, ev.Value)

	colors := make([]openrgb.Color, l.ledCount)
	for i := range colors {
		colors[i] = openrgb.Color{Red: r, Green: g, Blue: b}
	}

	if err := l.client.UpdateLEDs(l.controller, colors); err != nil {
		log.Info(fmt.Sprintf("led update failed: %v", err), logger.Warning)
	}
}

// dim applies the brightness level by taking the hue of the requested
// color and rebuilding it with the value channel set to the brightness.
func dim(r, g, b uint8, brightness float64) (uint8, uint8, uint8) {
	if brightness < 0 {
		brightness = 0
	}
	if brightness > 1 {
		brightness = 1
	}

	c := colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
	h, s, _ := c.Hsv()
	c = colorful.Hsv(h, s, brightness)

	return uint8(c.R * 255), uint8(c.G * 255), uint8(c.B * 255)
}
