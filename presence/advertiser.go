package presence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_relaybox._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record format version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background liveness scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each scan window.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and liveness scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfPeerID     string
	DisplayName    string
	ListenPort     int
	KeyFingerprint string

	Logger logrus.FieldLogger

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
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if c.ListenPort <= 0 {
		return errors.New("listen port must be > 0")
	}
	return nil
}

// Advertiser announces the local identity on the LAN.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the local service instance.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	instance := strings.TrimSpace(cfg.DisplayName)
	if instance == "" {
		instance = cfg.SelfPeerID
	}
	txt := []string{
		"peer_id=" + cfg.SelfPeerID,
		"version=" + strconv.Itoa(cfg.Version),
		"key_fingerprint=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.ListenPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service runs the advertiser and the liveness monitor together.
type Service struct {
	Advertiser *Advertiser
	Monitor    *Monitor
}

// Start advertises self and begins tracking known peers in directory.
func Start(config Config, directory Directory) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	monitor, err := NewMonitor(cfg, directory)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	monitor.Start()

	return &Service{Advertiser: advertiser, Monitor: monitor}, nil
}

// Stop stops the monitor and the advertiser.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Monitor != nil {
		s.Monitor.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
