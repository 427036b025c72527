//go:build linux

package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultDevicePath is the directory holding evdev device nodes.
	DefaultDevicePath = "/dev/input"

	// settleDelay gives udev time to finish permission setup on freshly
	// created device nodes before we try to open and grab them. It also
	// lets the key-down that launched the process drain before the grab
	// swallows its release.
	settleDelay = 500 * time.Millisecond
)

// Monitor captures events from every suitable device under a directory,
// grabbing each exclusively, and watches the directory for hot-plugged
// devices. It implements Source.
type Monitor struct {
	dir    string
	logger *log.Logger

	notifications chan Notification

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	devices map[string]*monitoredDevice
	nextID  uint32

	watcher *fsnotify.Watcher

	closeOnce sync.Once
}

type monitoredDevice struct {
	id  uint32
	dev *captureDevice
}

// StartMonitor opens and grabs every event node under dir and begins
// watching for new devices. Devices that cannot be grabbed are skipped
// with a log entry; they do not fail the monitor.
func StartMonitor(ctx context.Context, dir string, logger *log.Logger) (*Monitor, error) {
	if dir == "" {
		dir = DefaultDevicePath
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create device watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		dir:           dir,
		logger:        logger,
		notifications: make(chan Notification, 256),
		ctx:           ctx,
		cancel:        cancel,
		devices:       make(map[string]*monitoredDevice),
		watcher:       watcher,
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m.tryOpen(filepath.Join(dir, entry.Name()))
	}

	m.wg.Add(1)
	go m.watchLoop()

	return m, nil
}

// Notifications returns the ordered capture stream.
func (m *Monitor) Notifications() <-chan Notification {
	return m.notifications
}

// Close releases every device grab and stops the monitor. The notification
// channel is closed once all per-device readers have exited.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		_ = m.watcher.Close()

		m.mu.Lock()
		for _, md := range m.devices {
			md.dev.close()
		}
		m.mu.Unlock()

		m.wg.Wait()
		close(m.notifications)
	})
	return nil
}

func (m *Monitor) watchLoop() {
	defer m.wg.Done()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			// Give udev a moment to apply node permissions.
			path := event.Name
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				select {
				case <-time.After(settleDelay):
				case <-m.ctx.Done():
					return
				}
				m.tryOpen(path)
			}()
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// tryOpen opens, grabs, and registers one device node, spawning its reader.
func (m *Monitor) tryOpen(path string) {
	if !strings.HasPrefix(filepath.Base(path), "event") {
		return
	}

	m.mu.Lock()
	if _, exists := m.devices[path]; exists {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	dev, err := openCapture(path)
	if err != nil {
		if errors.Is(err, errSelfDevice) {
			return
		}
		m.logger.WithFields(log.Fields{"path": path, "error": err}).Warn("skipping input device")
		return
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		dev.close()
		return
	}
	m.nextID++
	md := &monitoredDevice{id: m.nextID, dev: dev}
	m.devices[path] = md
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{
		"path":   path,
		"id":     md.id,
		"device": dev.desc.Name,
	}).Info("device grabbed")

	if !m.send(DeviceAdded{ID: md.id, Device: dev.desc}) {
		return
	}

	m.wg.Add(1)
	go m.readLoop(path, md)
}

func (m *Monitor) readLoop(path string, md *monitoredDevice) {
	defer m.wg.Done()
	defer md.dev.close()

	for {
		ev, err := md.dev.read()
		if err != nil {
			m.mu.Lock()
			delete(m.devices, path)
			m.mu.Unlock()

			if m.ctx.Err() == nil {
				m.logger.WithFields(log.Fields{"path": path, "id": md.id}).Info("device removed")
				m.send(DeviceRemoved{ID: md.id})
			}
			return
		}

		if !m.send(DeviceEvent{ID: md.id, Event: ev}) {
			return
		}
	}
}

func (m *Monitor) send(n Notification) bool {
	select {
	case m.notifications <- n:
		return true
	case <-m.ctx.Done():
		return false
	}
}
