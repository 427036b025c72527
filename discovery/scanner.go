package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventEndpointUpserted is emitted when an endpoint appears or its
	// metadata changes.
	EventEndpointUpserted EventType = "endpoint_upserted"
	// EventEndpointRemoved is emitted when a previously seen endpoint
	// disappears.
	EventEndpointRemoved EventType = "endpoint_removed"
)

// EventType identifies scanner updates.
type EventType string

// Event carries one scanner update.
type Event struct {
	Type     EventType
	Endpoint Endpoint
}

// Endpoint describes a discovered switch endpoint on the LAN.
type Endpoint struct {
	Fingerprint     string
	Name            string
	ProtocolVersion int
	HostName        string
	Port            int
	Addresses       []string
	LastSeen        time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers switch endpoints with periodic and on-demand mDNS
// browse operations. Endpoints are keyed by certificate fingerprint.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu        sync.RWMutex
	endpoints map[string]Endpoint

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		endpoints:       make(map[string]Endpoint),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous scanner updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for its result.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Endpoints returns a sorted snapshot of the currently known endpoints.
func (s *Scanner) Endpoints() []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the endpoint list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Endpoint)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				ep, ok := parseEntry(entry, s.cfg.Fingerprint)
				if !ok {
					continue
				}
				ep.LastSeen = time.Now()
				collectedMu.Lock()
				collected[ep.Fingerprint] = ep
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.endpoints
	s.endpoints = next

	for fp, ep := range next {
		old, exists := previous[fp]
		if !exists || !endpointsEqual(old, ep) {
			s.emitEvent(Event{Type: EventEndpointUpserted, Endpoint: ep})
		}
	}

	for fp, ep := range previous {
		if _, exists := next[fp]; !exists {
			s.emitEvent(Event{Type: EventEndpointRemoved, Endpoint: ep})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfFingerprint string) (Endpoint, bool) {
	txt := txtToMap(entry.Text)

	fingerprint := strings.TrimSpace(txt["fingerprint"])
	if fingerprint == "" || fingerprint == selfFingerprint {
		return Endpoint{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = fingerprint
	}

	return Endpoint{
		Fingerprint:     fingerprint,
		Name:            name,
		ProtocolVersion: version,
		HostName:        entry.HostName,
		Port:            entry.Port,
		Addresses:       addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func endpointsEqual(a, b Endpoint) bool {
	if a.Fingerprint != b.Fingerprint ||
		a.Name != b.Name ||
		a.ProtocolVersion != b.ProtocolVersion ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
