// Package sender implements the switch/session manager: it owns every
// grabbed physical device and every accepted receiver session, detects the
// switch-key combination, and routes captured events to the currently
// active target.
package sender

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"evkvm/identity"
	"evkvm/input"
	"evkvm/network"
)

// localTarget is the sentinel active-target index meaning no forwarding.
const localTarget = 0

// Config configures a Manager.
type Config struct {
	// SwitchKeys are the key codes that together form the switch combo.
	SwitchKeys []uint16
	// Receivers is the ordered allow-list of configured receivers. The
	// round-robin switch order is local, then this list in order.
	Receivers []network.AllowedPeer
	// Session controls timeouts and logging of accepted sessions.
	Session network.SessionOptions
}

// Acceptor is the inbound-session source, normally *network.Listener.
type Acceptor interface {
	Incoming() <-chan *network.Session
	Errors() <-chan error
	Close() error
}

// Manager owns capture and accepted sessions. All switch state and the
// connection registry are mutated only inside Run's loop, giving every
// broadcast and target change a single consistent view.
type Manager struct {
	cfg      Config
	logger   *log.Logger
	source   input.Source
	acceptor Acceptor

	// Run-loop state. Keyed tables, never ad hoc graphs: device id to
	// descriptor and receiver fingerprint to live session.
	devices  map[uint32]input.Device
	sessions map[string]*network.Session

	active int
	combo  *comboTracker

	sessionClosed chan *network.Session
	done          chan struct{}
}

// New creates a manager routing events from source to sessions accepted by
// acceptor.
func New(cfg Config, source input.Source, acceptor Acceptor) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if acceptor == nil {
		return nil, fmt.Errorf("session acceptor is required")
	}
	if len(cfg.Receivers) == 0 {
		return nil, fmt.Errorf("at least one receiver must be configured")
	}

	cfg.Session = normalizedSessionOptions(cfg.Session)

	normalized := make([]network.AllowedPeer, len(cfg.Receivers))
	for i, peer := range cfg.Receivers {
		normalized[i] = network.AllowedPeer{
			Nick:        peer.Nick,
			Fingerprint: identity.NormalizeFingerprint(peer.Fingerprint),
		}
	}
	cfg.Receivers = normalized

	return &Manager{
		cfg:           cfg,
		logger:        cfg.Session.Logger,
		source:        source,
		acceptor:      acceptor,
		devices:       make(map[uint32]input.Device),
		sessions:      make(map[string]*network.Session),
		active:        localTarget,
		combo:         newComboTracker(cfg.SwitchKeys),
		sessionClosed: make(chan *network.Session, 16),
		done:          make(chan struct{}),
	}, nil
}

// Run drives the manager until ctx is canceled. Per-session failures are
// contained to their session; Run itself returns only on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	defer m.shutdown()

	for {
		select {
		case n, ok := <-m.source.Notifications():
			if !ok {
				return fmt.Errorf("capture source closed")
			}
			m.handleNotification(n)
		case session, ok := <-m.acceptor.Incoming():
			if !ok {
				return fmt.Errorf("listener closed")
			}
			m.registerSession(session)
		case err := <-m.acceptor.Errors():
			if err != nil {
				m.logger.WithError(err).Warn("inbound connection rejected")
			}
		case session := <-m.sessionClosed:
			m.dropSession(session)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) shutdown() {
	close(m.done)
	_ = m.acceptor.Close()
	for _, session := range m.sessions {
		session.Close(nil)
	}
	_ = m.source.Close()
}

func (m *Manager) handleNotification(n input.Notification) {
	switch notif := n.(type) {
	case input.DeviceAdded:
		m.devices[notif.ID] = notif.Device
		m.broadcast(network.DeviceAdded{ID: notif.ID, Device: notif.Device})
	case input.DeviceRemoved:
		delete(m.devices, notif.ID)
		m.broadcast(network.DeviceRemoved{ID: notif.ID})
	case input.DeviceEvent:
		m.route(notif)
	}
}

// broadcast sends a device notification to every connected session
// regardless of the active target, so a newly active receiver already has
// up-to-date virtual devices the moment it becomes active.
func (m *Manager) broadcast(msg network.Message) {
	for _, session := range m.sessions {
		_ = session.Send(msg)
	}
}

// registerSession installs an accepted session, syncing the full device
// table before anything else so descriptors always precede events.
func (m *Manager) registerSession(session *network.Session) {
	fp := session.Peer().Fingerprint

	if old, exists := m.sessions[fp]; exists {
		m.logger.WithField("peer", session.Peer().Nick).Info("replacing existing session")
		old.Close(nil)
	}
	m.sessions[fp] = session

	// The watcher goes up before the device flush: a session that dies
	// mid-sync must still be reaped from the registry.
	go func() {
		<-session.Done()
		select {
		case m.sessionClosed <- session:
		case <-m.done:
		}
	}()

	for id, dev := range m.devices {
		if err := session.Send(network.DeviceAdded{ID: id, Device: dev}); err != nil {
			return
		}
	}
	session.Activate()
}

func (m *Manager) dropSession(session *network.Session) {
	fp := session.Peer().Fingerprint
	if m.sessions[fp] == session {
		delete(m.sessions, fp)
	}
}

// route forwards one captured event to the active target, or consumes it
// when it belongs to the switch combination.
func (m *Manager) route(ev input.DeviceEvent) {
	if ev.Event.Type == input.EV_KEY {
		consumed, completed := m.combo.handle(ev.Event.Code, ev.Event.Value)
		if completed {
			m.advanceTarget(ev.ID)
		}
		if consumed {
			return
		}
	}

	if m.active == localTarget {
		// Dropped, not queued: the device is grabbed and outputs nothing
		// while the local sentinel is selected.
		return
	}

	session := m.activeSession()
	if session == nil || session.State() != network.StateActive {
		return
	}
	_ = session.Send(network.EventMessage{ID: ev.ID, Event: ev.Event})
}

func (m *Manager) activeSession() *network.Session {
	if m.active == localTarget {
		return nil
	}
	peer := m.cfg.Receivers[m.active-1]
	return m.sessions[peer.Fingerprint]
}

// advanceTarget moves the active target round-robin through local and the
// configured receivers. The previously active session receives release
// events for the combo keys so no modifier stays stuck there.
func (m *Manager) advanceTarget(deviceID uint32) {
	previous := m.activeSession()

	m.active = (m.active + 1) % (len(m.cfg.Receivers) + 1)

	target := "local"
	if m.active != localTarget {
		target = m.cfg.Receivers[m.active-1].Nick
	}
	m.logger.WithField("target", target).Info("switched active target")

	if previous == nil || previous.State() != network.StateActive {
		return
	}
	for _, key := range m.combo.keys() {
		release := input.Event{Type: input.EV_KEY, Code: key, Value: 0}
		if err := previous.Send(network.EventMessage{ID: deviceID, Event: release}); err != nil {
			return
		}
		syn := input.Event{Type: input.EV_SYN, Code: input.SYN_REPORT, Value: 0}
		_ = previous.Send(network.EventMessage{ID: deviceID, Event: syn})
	}
}

func normalizedSessionOptions(opts network.SessionOptions) network.SessionOptions {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return opts
}
