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
	"github.com/rs/zerolog"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_walletchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background hub discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultStaleAfter is how many missed scans a hub survives.
	DefaultStaleAfter = 3

	defaultSignalPath = "/signal"
	defaultRelayPath  = "/relay"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the hub advertiser and scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// StaleAfter is the number of consecutive scans a hub may be missing
	// from before it is reported removed.
	StaleAfter int

	// Advertised hub. Only the broadcaster reads these.
	HubID      string
	HubName    string
	Port       int
	SignalPath string
	RelayPath  string
	// Secure advertises wss:// endpoints.
	Secure bool

	Logger zerolog.Logger

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
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.SignalPath == "" {
		out.SignalPath = defaultSignalPath
	}
	if out.RelayPath == "" {
		out.RelayPath = defaultRelayPath
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.HubID) == "" {
		return errors.New("discovery: hub id is required")
	}
	if strings.TrimSpace(c.HubName) == "" {
		return errors.New("discovery: hub name is required")
	}
	if c.Port <= 0 {
		return errors.New("discovery: port must be > 0")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		"hub_id=" + c.HubID,
		"version=" + strconv.Itoa(c.Version),
		"signal=" + c.SignalPath,
		"relay=" + c.RelayPath,
		"secure=" + strconv.FormatBool(c.Secure),
	}
}

// Broadcaster advertises a hub via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
	logger zerolog.Logger
}

// StartBroadcaster registers the hub and starts answering mDNS queries.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.HubName, cfg.Service, cfg.Domain, cfg.Port, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register mDNS service: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "discovery").Logger()
	logger.Info().Str("service", cfg.Service).Str("hub_id", cfg.HubID).Int("port", cfg.Port).Msg("advertising hub")
	return &Broadcaster{server: server, logger: logger}, nil
}

// Stop stops advertising.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.logger.Info().Msg("hub advertisement stopped")
}

// FindHub runs a single scan and returns the first hub that answers.
func FindHub(ctx context.Context, config Config) (Hub, error) {
	scanner, err := NewHubScanner(config)
	if err != nil {
		return Hub{}, err
	}
	found, err := scanner.scanOnce(ctx)
	if err != nil {
		return Hub{}, err
	}
	if len(found) == 0 {
		return Hub{}, ErrNoHub
	}
	hubs := make([]Hub, 0, len(found))
	for _, hub := range found {
		hubs = append(hubs, hub)
	}
	return sortHubs(hubs)[0], nil
}
