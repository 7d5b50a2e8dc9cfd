package virtpad

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/virtpad/virtpad/internal/pkg/logger"
)

// DetectConfigChanges watches the given files and reports write events,
// used by the manager to tear virtual devices down and reopen them with
// fresh configuration.
func DetectConfigChanges(ctx context.Context, paths ...string) <-chan bool {
	var change = make(chan bool)

	go func() {
		defer close(change)
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return
		}

		go func() {
			<-ctx.Done()
			err := watcher.Close()
			if err != nil {
				log.Info(fmt.Sprintf("closing watcher failed: %v", err), logger.Debug)
			}
		}()

		for _, path := range paths {
			if err := watcher.Add(path); err != nil {
				log.Info(fmt.Sprintf("cannot watch %s: %v", path, err), logger.Warning)
			}
		}

		for event := range watcher.Events {
			if event.Op != fsnotify.Write {
				continue
			}

			name := strings.ToLower(event.Name)
			if strings.HasSuffix(name, ".config") || strings.HasSuffix(name, "yml") || strings.HasSuffix(name, "yaml") {
				log.Info(fmt.Sprintf("config change detected: %s", event.Name), logger.Info)
				change <- true
			}
		}
	}()

	return change
}
