package discovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// AdvertisedService is the DNS-SD type the API is announced as.
const AdvertisedService = "_savantaudio._tcp"

// Registration is a registered service that can be withdrawn.
type Registration interface {
	Shutdown()
}

// RegisterFunc registers a DNS-SD service. The default uses zeroconf on all
// interfaces.
type RegisterFunc func(instance, service, domain string, port int, txt []string) (Registration, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string) (Registration, error) {
	return zeroconf.Register(instance, service, domain, port, txt, nil)
}

// AdvertiserOptions configures an Advertiser.
type AdvertiserOptions struct {
	Instance string
	Port     int

	// TXT records, e.g. "version=1.0.0" and "path=/api/v1".
	TXT []string

	Register RegisterFunc
	Logger   Logger
}

// Advertiser announces the API on the local network.
type Advertiser struct {
	instance string
	port     int
	txt      []string
	register RegisterFunc
	logger   Logger

	mu     sync.Mutex
	server Registration
}

// NewAdvertiser creates an Advertiser. Call Start to announce.
func NewAdvertiser(opts AdvertiserOptions) (*Advertiser, error) {
	if opts.Instance == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", opts.Port)
	}
	a := &Advertiser{
		instance: opts.Instance,
		port:     opts.Port,
		txt:      opts.TXT,
		register: opts.Register,
		logger:   opts.Logger,
	}
	if a.register == nil {
		a.register = zeroconfRegister
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}
	return a, nil
}

// Start registers the service. Calling Start while advertising is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}
	server, err := a.register(a.instance, AdvertisedService, "local.", a.port, a.txt)
	if err != nil {
		return fmt.Errorf("registering %s: %w", AdvertisedService, err)
	}
	a.server = server
	a.logger.Info("advertising api", "instance", a.instance, "service", AdvertisedService, "port", a.port)
	return nil
}

// Stop withdraws the service.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Advertising reports whether the service is registered.
func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}
