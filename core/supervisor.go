package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Supervisor owns the set of interfaces, mediates shared state under the
// chain-height-investigation lock (bhi_lock), selects the "main" interface,
// and publishes events.
type Supervisor struct {
	cfg    *Config
	store  BlockchainStore
	bus    *EventBus
	log    *logrus.Entry

	bhiLock sync.Mutex // serializes fork decisions across interfaces

	mu          sync.RWMutex
	interfaces  map[ServerAddr]*Interface
	bucketUsers map[string]int // ip-bucket -> count of interfaces using it
	mainServer  ServerAddr
	hasMain     bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a supervisor bound to cfg/store/bus. The
// supervisor's context, parent of every owned interface's context, is
// cancelled by Shutdown.
func NewSupervisor(cfg *Config, store BlockchainStore, bus *EventBus) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:         cfg,
		store:       store,
		bus:         bus,
		log:         logrus.WithField("component", "supervisor"),
		interfaces:  make(map[ServerAddr]*Interface),
		bucketUsers: make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect creates and starts a new Interface for addr. An interface is
// single-use: a server already connected is returned unchanged rather than
// reopened.
func (s *Supervisor) Connect(addr ServerAddr) (*Interface, error) {
	s.mu.Lock()
	if existing, ok := s.interfaces[addr]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	iface := NewInterface(s, addr)
	s.interfaces[addr] = iface
	if !s.hasMain {
		s.mainServer = addr
		s.hasMain = true
	}
	s.mu.Unlock()

	iface.Start(s.ctx)
	return iface, nil
}

// IsMain reports whether addr is the supervisor's currently selected main
// interface (used to pick the GracefulDisconnect log level).
func (s *Supervisor) IsMain(addr ServerAddr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMain && s.mainServer == addr
}

// connectionDown is called from an interface's root-task cleanup.
func (s *Supervisor) connectionDown(iface *Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interfaces, iface.server)
	if bucket := iface.ipBucket(); bucket != "" {
		if s.bucketUsers[bucket] > 0 {
			s.bucketUsers[bucket]--
		}
	}
	if s.hasMain && s.mainServer == iface.server {
		s.hasMain = false
		for addr := range s.interfaces {
			s.mainServer = addr
			s.hasMain = true
			break
		}
	}
	s.log.WithField("server", iface.server.FriendlyName()).Info("interface disconnected")
}

// respectsBucketSpread reports whether admitting an interface in bucket
// would respect the address-diversity policy: at most one interface per
// bucket, with the empty bucket (loopback / unknown) always exempt.
func (s *Supervisor) respectsBucketSpread(bucket string) bool {
	if bucket == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketUsers[bucket] == 0
}

// admitBucket records that an interface now occupies bucket.
func (s *Supervisor) admitBucket(bucket string) {
	if bucket == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketUsers[bucket]++
}

// switchUnwantedForkInterface logs, at debug level, every interface whose
// chain is not the store's main chain and is shorter than it. It does not
// disconnect or switch any interface. It is invoked after every
// tip-processing cycle.
func (s *Supervisor) switchUnwantedForkInterface() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, iface := range s.interfaces {
		if iface.Blockchain() == nil {
			continue
		}
		if iface.Blockchain() != s.store.MainChain() && iface.Blockchain().Height() < s.store.MainChain().Height() {
			s.log.WithField("server", iface.server.FriendlyName()).Debug("interface sits on an unwanted fork")
		}
	}
}

// switchLaggingInterface promotes a higher, better-confirmed interface to
// main when the current main interface has fallen behind.
func (s *Supervisor) switchLaggingInterface() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasMain {
		return
	}
	mainIface, ok := s.interfaces[s.mainServer]
	if !ok {
		return
	}
	var best *Interface
	for _, iface := range s.interfaces {
		if iface == mainIface {
			continue
		}
		if best == nil || iface.tipHeight() > best.tipHeight() {
			best = iface
		}
	}
	if best != nil && best.tipHeight() > mainIface.tipHeight()+144 {
		s.mainServer = best.server
		s.log.WithField("server", best.server.FriendlyName()).Info("switched main interface: previous main was lagging")
	}
}

// Shutdown cancels every owned interface's context and returns without
// waiting for their teardown to finish.
func (s *Supervisor) Shutdown() {
	s.cancel()
}

// String renders a short diagnostic summary for logging.
func (s *Supervisor) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("supervisor(interfaces=%d, main=%v)", len(s.interfaces), s.mainServer)
}
