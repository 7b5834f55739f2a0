package presence

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"relaybox/crypto"
	"relaybox/models"
)

const (
	// EventPeerOnline is emitted when a known peer starts answering.
	EventPeerOnline EventType = "peer_online"
	// EventPeerOffline is emitted when a known peer stops answering.
	EventPeerOffline EventType = "peer_offline"
)

// EventType identifies liveness updates.
type EventType string

// Event carries one liveness change.
type Event struct {
	Type    EventType
	PeerID  string
	Address string
}

// Directory is the part of the peer directory the monitor updates.
type Directory interface {
	GetPeer(ctx context.Context, peerID string) (models.Peer, error)
	MarkSeen(ctx context.Context, peerID, address string) error
	SetStatus(ctx context.Context, peerID string, status models.PeerStatus) error
}

// sighting is one service instance seen during a scan window.
type sighting struct {
	PeerID         string
	KeyFingerprint string
	Address        string
}

// Monitor keeps directory liveness in step with mDNS advertisements of
// already-known peers. Instances of unknown peers are ignored.
type Monitor struct {
	cfg       Config
	directory Directory
	browse    browseFunc
	logger    logrus.FieldLogger

	mu     sync.Mutex
	online map[string]string

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor with config defaults applied.
func NewMonitor(config Config, directory Directory) (*Monitor, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfPeerID) == "" {
		return nil, errors.New("self peer ID is required")
	}
	if directory == nil {
		return nil, errors.New("directory is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:       cfg,
		directory: directory,
		browse:    browse,
		logger:    cfg.Logger.WithField("component", "presence"),
		online:    make(map[string]string),
		events:    make(chan Event, 128),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins background scanning.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop ends scanning and closes Events.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		close(m.events)
	})
}

// Events provides asynchronous liveness updates.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Online returns the peers seen in the last scan window.
func (m *Monitor) Online() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.online))
	for id, addr := range m.online {
		out[id] = addr
	}
	return out
}

// Scan runs one scan window and applies the result to the directory.
func (m *Monitor) Scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]sighting)
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
				seen, ok := parseEntry(entry, m.cfg.SelfPeerID)
				if !ok {
					continue
				}
				collected[seen.PeerID] = seen
			}
		}
	}()

	if err := m.browse(scanCtx, m.cfg.Service, m.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ctx.Err() != nil {
		return nil
	}
	m.apply(ctx, collected)
	return nil
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := m.Scan(m.ctx); err != nil && m.ctx.Err() == nil {
			m.logger.WithError(err).Warn("presence scan failed")
		}

		select {
		case <-ticker.C:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Monitor) apply(ctx context.Context, collected map[string]sighting) {
	next := make(map[string]string, len(collected))
	for id, seen := range collected {
		if m.accept(ctx, seen) {
			next[id] = seen.Address
		}
	}

	m.mu.Lock()
	previous := m.online
	m.online = next
	m.mu.Unlock()

	for id, addr := range next {
		if err := m.directory.MarkSeen(ctx, id, addr); err != nil {
			m.logger.WithError(err).WithField("peer_id", id).Warn("mark peer online")
			continue
		}
		if old, ok := previous[id]; !ok || old != addr {
			m.emit(Event{Type: EventPeerOnline, PeerID: id, Address: addr})
		}
	}

	for id := range previous {
		if _, ok := next[id]; ok {
			continue
		}
		if err := m.directory.SetStatus(ctx, id, models.PeerOffline); err != nil {
			m.logger.WithError(err).WithField("peer_id", id).Warn("mark peer offline")
			continue
		}
		m.emit(Event{Type: EventPeerOffline, PeerID: id})
	}
}

// accept reports whether a sighting belongs to a known peer whose pinned
// key matches the advertised fingerprint.
func (m *Monitor) accept(ctx context.Context, seen sighting) bool {
	logger := m.logger.WithField("peer_id", seen.PeerID)

	peer, err := m.directory.GetPeer(ctx, seen.PeerID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.WithError(err).Warn("look up advertised peer")
		}
		return false
	}
	if seen.Address == "" {
		return false
	}
	if len(peer.PublicKey) > 0 && seen.KeyFingerprint != "" &&
		crypto.KeyFingerprint(peer.PublicKey) != seen.KeyFingerprint {
		logger.Warn("ignoring advertisement with mismatched key fingerprint")
		return false
	}
	return true
}

func (m *Monitor) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (sighting, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == selfPeerID {
		return sighting{}, false
	}

	var host string
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil && !ip.IsUnspecified() {
			host = ip.String()
			break
		}
	}

	seen := sighting{
		PeerID:         peerID,
		KeyFingerprint: strings.TrimSpace(txt["key_fingerprint"]),
	}
	if host != "" && entry.Port > 0 {
		seen.Address = net.JoinHostPort(host, strconv.Itoa(entry.Port))
	}
	return seen, true
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
