package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/virtpad/virtpad/internal/pkg/event"
	"github.com/virtpad/virtpad/internal/pkg/imu"
	"github.com/virtpad/virtpad/internal/pkg/led"
	"github.com/virtpad/virtpad/internal/pkg/logger"
	"github.com/virtpad/virtpad/internal/pkg/plugin"
	"github.com/virtpad/virtpad/internal/pkg/virtpad"
	"go.uber.org/zap"
)

// runManager drives the device lifecycle: it builds the virtual outputs
// from configuration, runs the poll loop and starts over whenever the
// configuration changes on disk. It returns when ctx is cancelled.
func runManager(ctx context.Context, configPath string) {
	configChange := virtpad.DetectConfigChanges(ctx, configPath)

	log.Info("run manager", logger.Debug)
root:
	for {
		select {
		case <-ctx.Done():
			break root
		default:
		}

		cfg, err := virtpad.LoadConfig(configPath)
		if err != nil {
			log.Info(fmt.Sprintf("config load failed: %s", err), logger.Error)
			break root
		}

		cycleCtx, cancel := context.WithCancel(context.Background())

		go func() {
			select {
			case <-configChange:
				log.Info("handling config change", logger.Debug)
				cancel()
			case <-ctx.Done():
				cancel()
			}
		}()

		runCycle(cycleCtx, cfg)
		cancel()
	}
	log.Info("exit manager", logger.Debug)
}

// runCycle opens the devices once and serves them until cancellation.
func runCycle(ctx context.Context, cfg virtpad.Config) {
	devices, err := virtpad.Outputs(cfg)
	if err != nil {
		log.Info(fmt.Sprintf("cannot build outputs: %s", err), logger.Error)
		return
	}

	loop := plugin.NewLoop()

	for _, d := range devices {
		if err := loop.AddProducer(d); err != nil {
			log.Info(fmt.Sprintf("cannot open device: %s", err), logger.Error)
			continue
		}
		loop.AddConsumer(d)
		log.Info("device registered", zap.String("device_name", d.Name()), logger.Info)
	}

	// Rumble sink boundary: physical motor handlers attach here. Without
	// any, requests are still drained and visible in the logs.
	loop.AddConsumer(plugin.ConsumerFunc(func(events []event.Event) {
		for _, ev := range events {
			if ev.Kind == event.KindRumble {
				log.Info(fmt.Sprintf("rumble: weak=%.3f strong=%.3f", ev.Weak, ev.Strong), logger.Analog)
			}
		}
	}))

	if cfg.LED.Enabled {
		ledSink, err := led.Connect(cfg.LED.Address, cfg.LED.Port, cfg.LED.RateLimit)
		if err != nil {
			log.Info(fmt.Sprintf("led support disabled: %s", err), logger.Warning)
		} else {
			loop.AddConsumer(ledSink)
		}
	}

	wg := sync.WaitGroup{}

	if cfg.Motion.Enabled {
		accelDir, gyroDir, err := imu.Find()
		if err != nil {
			log.Info(fmt.Sprintf("motion sensors unavailable: %s", err), logger.Warning)
		} else {
			sensors, err := imu.New(accelDir, gyroDir, cfg.Virtpad.PollRate, loop.Feed)
			if err != nil {
				log.Info(fmt.Sprintf("motion sensor setup failed: %s", err), logger.Warning)
			} else {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sensors.Run(ctx)
				}()
			}
		}
	}

	if cfg.Touchpad.Enabled {
		loop.Feed([]event.Event{event.AspectRatio(cfg.Touchpad.AspectRatio)})
	}

	loop.Run(ctx)
	wg.Wait()
}
