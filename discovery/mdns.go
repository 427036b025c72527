// Package discovery announces switch endpoints on the local network over
// mDNS and scans for announcements from other machines. The TXT record
// carries the endpoint's certificate fingerprint so an operator can copy it
// straight into the allow-list without a side channel.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_evkvm._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcement and scanning behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// InstanceName is the advertised instance, typically the hostname.
	InstanceName string
	// Fingerprint is the local certificate fingerprint, normalized hex.
	// It is advertised in TXT and filters out our own announcements when
	// scanning.
	Fingerprint string
	// Port is the advertised listening port.
	Port int
	// ProtocolVersion is advertised in TXT so incompatible endpoints can
	// be spotted before dialing.
	ProtocolVersion int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if strings.TrimSpace(c.Fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.Fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	return nil
}

// Announcer advertises the local switch endpoint via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers the endpoint and starts broadcasting.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	txt := []string{
		"fingerprint=" + cfg.Fingerprint,
		"version=" + strconv.Itoa(cfg.ProtocolVersion),
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop stops broadcasting.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
