// Package receiver maintains outbound connections to configured senders
// and replays the events they forward into virtual input devices.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"evkvm/identity"
	"evkvm/input"
	"evkvm/network"
)

// maxInjectFailures is the number of consecutive injection failures after
// which a virtual device is considered wedged and destroyed.
const maxInjectFailures = 32

// Sender identifies one configured sender to connect to.
type Sender struct {
	Nick        string
	Address     string
	Fingerprint string
}

// Config configures a Manager.
type Config struct {
	Identity identity.Identity
	Senders  []Sender
	Session  network.SessionOptions
}

// Manager dials every configured sender, reconnecting with exponential
// backoff, and synthesizes virtual devices from the received state.
type Manager struct {
	cfg      Config
	logger   *log.Logger
	injector input.Injector
}

// New creates a manager that injects received events through injector.
func New(cfg Config, injector input.Injector) (*Manager, error) {
	if injector == nil {
		return nil, fmt.Errorf("injector is required")
	}
	if len(cfg.Senders) == 0 {
		return nil, fmt.Errorf("at least one sender must be configured")
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = log.StandardLogger()
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Session.Logger,
		injector: injector,
	}, nil
}

// Run connects to all configured senders and blocks until ctx is canceled.
// Each sender gets an independent reconnect loop so one unreachable sender
// never stalls the others.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan struct{}, len(m.cfg.Senders))
	for _, sender := range m.cfg.Senders {
		go func(s Sender) {
			defer func() { done <- struct{}{} }()
			m.connectLoop(ctx, s)
		}(sender)
	}
	for range m.cfg.Senders {
		<-done
	}
	return ctx.Err()
}

// connectLoop dials one sender forever, resetting the backoff after every
// session that got as far as an established connection.
func (m *Manager) connectLoop(ctx context.Context, sender Sender) {
	logger := m.logger.WithFields(log.Fields{
		"sender":  sender.Nick,
		"address": sender.Address,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		session, err := network.Dial(ctx, sender.Address, m.cfg.Identity, network.AllowedPeer{
			Nick:        sender.Nick,
			Fingerprint: sender.Fingerprint,
		}, m.cfg.Session)
		if err != nil {
			logger.WithError(err).Warn("connection failed")
		} else {
			policy.Reset()
			logger.Info("connected")
			if err := m.serve(ctx, session); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("session ended")
			} else {
				logger.Info("session ended")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.NextBackOff()):
		}
	}
}

// serve consumes one session until it closes. All virtual devices created
// for the session are destroyed on exit, whatever the cause, so a restarted
// sender always starts from a clean device table.
func (m *Manager) serve(ctx context.Context, session *network.Session) error {
	devices := make(map[uint32]*virtualDevice)
	defer func() {
		for id, dev := range devices {
			dev.destroy()
			delete(devices, id)
		}
		session.Close(nil)
	}()

	for {
		select {
		case msg, ok := <-session.Messages():
			if !ok {
				return session.Err()
			}
			if err := m.apply(session, devices, msg); err != nil {
				session.Close(err)
				return err
			}
		case <-session.Done():
			return session.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) apply(session *network.Session, devices map[uint32]*virtualDevice, msg network.Message) error {
	switch msg := msg.(type) {
	case network.DeviceAdded:
		if old, exists := devices[msg.ID]; exists {
			old.destroy()
		}
		devices[msg.ID] = m.createDevice(session, msg.ID, msg.Device)
	case network.DeviceRemoved:
		dev, exists := devices[msg.ID]
		if !exists {
			return fmt.Errorf("remove for unknown device %d: %w", msg.ID, network.ErrMalformedMessage)
		}
		dev.destroy()
		delete(devices, msg.ID)
	case network.EventMessage:
		dev, exists := devices[msg.ID]
		if !exists {
			return fmt.Errorf("event for unknown device %d: %w", msg.ID, network.ErrMalformedMessage)
		}
		// The first event marks the end of the initial device sync.
		session.Activate()
		dev.inject(msg.Event)
	default:
		return fmt.Errorf("unexpected %T: %w", msg, network.ErrMalformedMessage)
	}
	return nil
}

func (m *Manager) createDevice(session *network.Session, id uint32, desc input.Device) *virtualDevice {
	logger := m.logger.WithFields(log.Fields{
		"session": session.ID(),
		"device":  desc.Name,
		"id":      id,
	})

	handle, err := m.injector.Create(desc)
	if err != nil {
		// The session stays up; the descriptor may still be usable by the
		// peer's other receivers and events for it are just dropped here.
		logger.WithError(err).Error("virtual device creation failed")
		return &virtualDevice{logger: logger}
	}
	logger.Info("virtual device created")
	return &virtualDevice{handle: handle, logger: logger}
}

// virtualDevice pairs an injection handle with its failure counter. A nil
// handle marks a device whose creation failed; injections into it are
// silently dropped.
type virtualDevice struct {
	handle   input.Handle
	logger   *log.Entry
	failures int
}

func (d *virtualDevice) inject(ev input.Event) {
	if d.handle == nil {
		return
	}
	if err := d.handle.Inject(ev); err != nil {
		d.failures++
		d.logger.WithError(err).Warn("event injection failed")
		if d.failures >= maxInjectFailures {
			d.logger.Error("too many injection failures, destroying device")
			d.destroy()
		}
		return
	}
	d.failures = 0
}

func (d *virtualDevice) destroy() {
	if d.handle == nil {
		return
	}
	_ = d.handle.Close()
	d.handle = nil
}
