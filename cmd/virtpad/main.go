package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/virtpad/virtpad/internal/pkg/logger"
)

var log = logger.GetLogger()

//go:embed virtpad.config
var templateConfig []byte

var (
	configPath = flag.String("config", "./config/virtpad.config", "daemon configuration file")
	nocolor    = flag.Bool("nocolor", false, "disable color output")
	silent     = flag.Bool("silent", false, "no output logging, best performance")
	logLevel   = flag.Int("loglevel", 2,
		"logging level, each level enables additional information class (0-4, default: 2)\n"+
			"\navailable options:\n"+
			"0: errors only\n"+
			"1: warnings (dropped feedback, creation fallbacks)\n"+
			"2: general info (device appearance status)\n"+
			"3: device lifecycle events\n"+
			"4: analog events (rumble magnitudes)",
	)
	debug = flag.Bool("debug", false, "enable debug logging")
)

// createConfigIfNeeded writes the template configuration when none exists
// yet, so a first run on a fresh system comes up with sane defaults.
func createConfigIfNeeded(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, templateConfig, 0o666); err != nil {
		return fmt.Errorf("cannot write config template: %w", err)
	}
	log.Info(fmt.Sprintf("created \"%s\" with default configuration", path), logger.Info)
	return nil
}

func handleSigs(wg *sync.WaitGroup, sigs <-chan os.Signal, cancel func()) {
	defer wg.Done()
	var counter int
	for sig := range sigs {
		if counter > 0 {
			fmt.Println("Dirty exit")
			os.Exit(1)
		}
		log.Info(fmt.Sprintf("signal received: %v", sig), logger.Debug)
		cancel()
		counter++
	}
}

func main() {
	flag.Parse()

	level := *logLevel
	if *debug {
		level = logger.DebugLvl
	}

	go func() {
		if *silent {
			for range logger.Messages {
			}
		} else {
			printLogs(*nocolor, level)
		}
	}()

	if err := createConfigIfNeeded(*configPath); err != nil {
		log.Info(fmt.Sprintf("%v", err), logger.Error)
		os.Exit(1)
	}

	var sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())

	wg := sync.WaitGroup{}
	wg.Add(1)
	go handleSigs(&wg, sigs, cancel)

	runManager(ctx, *configPath)

	close(sigs)
	wg.Wait()
	close(logger.Messages)
}
