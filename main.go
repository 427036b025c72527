package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"evkvm/config"
	"evkvm/discovery"
	"evkvm/identity"
	"evkvm/input"
	"evkvm/network"
	"evkvm/receiver"
	"evkvm/sender"
)

func main() {
	logger := log.StandardLogger()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if os.Getenv("EVKVM_DEBUG") != "" {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.WithError(err).Fatal("startup failed while loading config")
	}

	id, err := identity.Ensure(cfg.CertificatePath, cfg.PrivateKeyPath)
	if err != nil {
		logger.WithError(err).Fatal("startup failed while preparing identity")
	}

	logger.WithFields(log.Fields{
		"config":      cfgPath,
		"fingerprint": identity.FormatFingerprint(id.Fingerprint),
	}).Info("identity ready")

	senderRole := len(cfg.Receivers) > 0
	receiverRole := len(cfg.Senders) > 0
	if !senderRole && !receiverRole {
		logger.WithField("config", cfgPath).Fatal("no receivers or senders configured, nothing to do")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionOpts := network.SessionOptions{Logger: logger}
	roleDone := make(chan error, 2)
	roles := 0

	if senderRole {
		roles++
		go func() { roleDone <- runSender(ctx, cfg, id, sessionOpts, logger) }()
	}
	if receiverRole {
		roles++
		go func() { roleDone <- runReceiver(ctx, cfg, id, sessionOpts) }()
	}

	if stopDiscovery := startDiscovery(cfg, id, logger); stopDiscovery != nil {
		defer stopDiscovery()
	}

	logger.Info("running, press Ctrl+C to stop")

	for i := 0; i < roles; i++ {
		if err := <-roleDone; err != nil && ctx.Err() == nil {
			logger.WithError(err).Fatal("role failed")
		}
	}
	logger.Info("shut down")
}

func runSender(ctx context.Context, cfg *config.Config, id identity.Identity, opts network.SessionOptions, logger *log.Logger) error {
	switchKeys, err := cfg.ParseSwitchKeys()
	if err != nil {
		return fmt.Errorf("parse switch keys: %w", err)
	}

	receivers := make([]network.AllowedPeer, len(cfg.Receivers))
	for i, peer := range cfg.Receivers {
		receivers[i] = network.AllowedPeer{Nick: peer.Nick, Fingerprint: peer.Fingerprint}
	}

	listener, err := network.Listen(fmt.Sprintf(":%d", cfg.ListeningPort), id, receivers, opts)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	source, err := input.StartMonitor(ctx, input.DefaultDevicePath, logger)
	if err != nil {
		listener.Close()
		return fmt.Errorf("start capture: %w", err)
	}

	mgr, err := sender.New(sender.Config{
		SwitchKeys: switchKeys,
		Receivers:  receivers,
		Session:    opts,
	}, source, listener)
	if err != nil {
		listener.Close()
		source.Close()
		return err
	}
	return mgr.Run(ctx)
}

func runReceiver(ctx context.Context, cfg *config.Config, id identity.Identity, opts network.SessionOptions) error {
	senders := make([]receiver.Sender, len(cfg.Senders))
	for i, peer := range cfg.Senders {
		senders[i] = receiver.Sender{
			Nick:        peer.Nick,
			Address:     peer.Address,
			Fingerprint: peer.Fingerprint,
		}
	}

	mgr, err := receiver.New(receiver.Config{
		Identity: id,
		Senders:  senders,
		Session:  opts,
	}, input.UInput{})
	if err != nil {
		return err
	}
	return mgr.Run(ctx)
}

// startDiscovery is best-effort: a LAN without working multicast should not
// keep the switch from running. The returned function stops both the
// announcer and the scanner.
func startDiscovery(cfg *config.Config, id identity.Identity, logger *log.Logger) func() {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "evkvm"
	}

	announcer, err := discovery.StartAnnouncer(discovery.Config{
		InstanceName:    host,
		Fingerprint:     id.Fingerprint,
		Port:            cfg.ListeningPort,
		ProtocolVersion: int(network.ProtocolVersion),
	})
	if err != nil {
		logger.WithError(err).Warn("discovery startup failed")
		return nil
	}

	scanner, err := discovery.NewScanner(discovery.Config{Fingerprint: id.Fingerprint})
	if err != nil {
		logger.WithError(err).Warn("discovery scanner startup failed")
		return announcer.Stop
	}
	scanner.Start()
	go logDiscoveryEvents(scanner.Events(), logger)

	return func() {
		scanner.Stop()
		announcer.Stop()
	}
}

func logDiscoveryEvents(events <-chan discovery.Event, logger *log.Logger) {
	for event := range events {
		entry := logger.WithFields(log.Fields{
			"name":        event.Endpoint.Name,
			"fingerprint": identity.FormatFingerprint(event.Endpoint.Fingerprint),
			"addresses":   event.Endpoint.Addresses,
			"port":        event.Endpoint.Port,
		})
		switch event.Type {
		case discovery.EventEndpointUpserted:
			entry.Info("endpoint discovered")
		case discovery.EventEndpointRemoved:
			entry.Info("endpoint gone")
		}
	}
}
