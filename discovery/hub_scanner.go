package discovery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// EventHubUpserted is emitted when a hub appears or its record changes.
	EventHubUpserted EventType = "hub_upserted"
	// EventHubRemoved is emitted when a hub missed StaleAfter scans.
	EventHubRemoved EventType = "hub_removed"
)

var (
	ErrNoHub      = errors.New("discovery: no hub found")
	ErrNotStarted = errors.New("discovery: hub scanner is not started")
	ErrStopped    = errors.New("discovery: hub scanner is stopped")
)

// EventType identifies hub discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type EventType
	Hub  Hub
}

// Hub is a signaling and relay server found on the LAN.
type Hub struct {
	ID         string
	Name       string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	SignalPath string
	RelayPath  string
	Secure     bool
	LastSeen   time.Time

	missed int
}

// BaseURL returns the websocket base url of the hub, preferring IPv4.
func (h Hub) BaseURL() string {
	scheme := "ws"
	if h.Secure {
		scheme = "wss"
	}
	return h.url(scheme)
}

// HTTPURL is the plain HTTP base serving health and the shared offline store.
func (h Hub) HTTPURL() string {
	scheme := "http"
	if h.Secure {
		scheme = "https"
	}
	return h.url(scheme)
}

func (h Hub) url(scheme string) string {
	host := strings.TrimSuffix(h.HostName, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0]
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(h.Port))}
	return u.String()
}

// SignalURL is the hub's signaling endpoint.
func (h Hub) SignalURL() string { return h.BaseURL() + h.SignalPath }

// RelayURL is the hub's relay endpoint.
func (h Hub) RelayURL() string { return h.BaseURL() + h.RelayPath }

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// HubScanner discovers hubs with periodic and manual mDNS browse operations.
type HubScanner struct {
	cfg    Config
	logger zerolog.Logger

	browse browseFunc

	mu   sync.RWMutex
	hubs map[string]Hub

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewHubScanner creates a scanner with config defaults applied.
func NewHubScanner(config Config) (*HubScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &HubScanner{
		cfg:             cfg,
		logger:          cfg.Logger.With().Str("component", "discovery").Logger(),
		browse:          browse,
		hubs:            make(map[string]Hub),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *HubScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *HubScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *HubScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *HubScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return ErrNotStarted
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
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}
}

// ListHubs returns the known hubs ordered by name.
func (s *HubScanner) ListHubs() []Hub {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Hub, 0, len(s.hubs))
	for _, hub := range s.hubs {
		out = append(out, hub)
	}
	return sortHubs(out)
}

func sortHubs(hubs []Hub) []Hub {
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].Name == hubs[j].Name {
			return hubs[i].ID < hubs[j].ID
		}
		return hubs[i].Name < hubs[j].Name
	})
	return hubs
}

func (s *HubScanner) loop() {
	defer s.wg.Done()

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

func (s *HubScanner) runScan(requestCtx context.Context) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	found, err := s.scanOnce(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("hub scan failed")
		return err
	}
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(found)
	return nil
}

// scanOnce browses for one ScanTimeout window.
func (s *HubScanner) scanOnce(ctx context.Context) (map[string]Hub, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Hub)
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
				hub, ok := parseEntry(entry)
				if !ok {
					continue
				}
				hub.LastSeen = time.Now()
				collectedMu.Lock()
				collected[hub.ID] = hub
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	// A browse that stops because the window closed ended normally.
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	defer collectedMu.Unlock()
	return collected, nil
}

func (s *HubScanner) applySnapshot(next map[string]Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.hubs
	merged := make(map[string]Hub, len(next))

	for id, hub := range next {
		merged[id] = hub
		old, exists := previous[id]
		if !exists || !hubsEqual(old, hub) {
			s.emitEvent(Event{Type: EventHubUpserted, Hub: hub})
		}
	}

	for id, hub := range previous {
		if _, exists := next[id]; exists {
			continue
		}
		hub.missed++
		if hub.missed >= s.cfg.StaleAfter {
			s.emitEvent(Event{Type: EventHubRemoved, Hub: hub})
			continue
		}
		merged[id] = hub
	}

	s.hubs = merged
}

func (s *HubScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Debug().Str("event", string(event.Type)).Str("hub_id", event.Hub.ID).Msg("discovery event dropped")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (Hub, bool) {
	txt := txtToMap(entry.Text)

	hubID := strings.TrimSpace(txt["hub_id"])
	if hubID == "" || entry.Port <= 0 {
		return Hub{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	secure, _ := strconv.ParseBool(txt["secure"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 first, then lexical.
	sort.SliceStable(addresses, func(i, j int) bool {
		iv4 := net.ParseIP(addresses[i]).To4() != nil
		jv4 := net.ParseIP(addresses[j]).To4() != nil
		if iv4 != jv4 {
			return iv4
		}
		return addresses[i] < addresses[j]
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = hubID
	}

	signalPath := txt["signal"]
	if signalPath == "" {
		signalPath = defaultSignalPath
	}
	relayPath := txt["relay"]
	if relayPath == "" {
		relayPath = defaultRelayPath
	}

	return Hub{
		ID:         hubID,
		Name:       name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
		SignalPath: signalPath,
		RelayPath:  relayPath,
		Secure:     secure,
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

func hubsEqual(a, b Hub) bool {
	if a.ID != b.ID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.SignalPath != b.SignalPath ||
		a.RelayPath != b.RelayPath ||
		a.Secure != b.Secure ||
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
