package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/nerrad567/savantaudio/internal/configflow"
)

const (
	// DefaultService is the DNS-SD service type Savant hosts advertise.
	DefaultService = "_savant._tcp"

	defaultInterval     = 5 * time.Minute
	defaultQueryTimeout = 3 * time.Second
)

// Flows starts discovery flows. *configflow.Manager satisfies it.
type Flows interface {
	StartDiscovery(ctx context.Context, info configflow.DiscoveryInfo) (configflow.FlowResult, error)
}

// QueryFunc runs one mDNS query. mdns.Query is the default.
type QueryFunc func(params *mdns.QueryParam) error

// BrowserOptions configures a Browser.
type BrowserOptions struct {
	Flows Flows

	// Service is the service type to query. Default "_savant._tcp".
	Service string

	// Interval is the time between queries. Default 5 minutes.
	Interval time.Duration

	// Timeout bounds a single query. Default 3 seconds.
	Timeout time.Duration

	Query  QueryFunc
	Logger Logger
}

// Browser periodically looks for switches. Each host is offered to the flow
// manager once; hosts whose flow could not connect are offered again on the
// next query.
type Browser struct {
	flows    Flows
	service  string
	interval time.Duration
	timeout  time.Duration
	query    QueryFunc
	logger   Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewBrowser creates a Browser.
func NewBrowser(opts BrowserOptions) (*Browser, error) {
	if opts.Flows == nil {
		return nil, errors.New("discovery: flow manager is required")
	}
	b := &Browser{
		flows:    opts.Flows,
		service:  opts.Service,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		query:    opts.Query,
		logger:   opts.Logger,
		seen:     make(map[string]bool),
	}
	if b.service == "" {
		b.service = DefaultService
	}
	if b.interval <= 0 {
		b.interval = defaultInterval
	}
	if b.timeout <= 0 {
		b.timeout = defaultQueryTimeout
	}
	if b.query == nil {
		b.query = mdns.Query
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}
	return b, nil
}

// Run browses immediately and then every interval until ctx is cancelled.
func (b *Browser) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if err := b.BrowseOnce(ctx); err != nil {
			b.logger.Warn("mdns browse failed", "service", b.service, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// BrowseOnce runs a single query and starts a discovery flow for every new
// host it finds.
func (b *Browser) BrowseOnce(ctx context.Context) error {
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []*mdns.ServiceEntry
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			found = append(found, e)
		}
	}()

	err := b.query(&mdns.QueryParam{
		Service:     b.service,
		Domain:      "local",
		Timeout:     b.timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	<-collected
	if err != nil {
		return err
	}

	for _, e := range found {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.offer(ctx, e)
	}
	return nil
}

func (b *Browser) offer(ctx context.Context, e *mdns.ServiceEntry) {
	if e == nil || e.AddrV4 == nil {
		return
	}
	host := e.AddrV4.String()

	b.mu.Lock()
	if b.seen[host] {
		b.mu.Unlock()
		return
	}
	b.seen[host] = true
	b.mu.Unlock()

	res, err := b.flows.StartDiscovery(ctx, configflow.DiscoveryInfo{
		IP:       host,
		Hostname: strings.TrimSuffix(e.Host, "."),
		Port:     e.Port,
	})
	if err != nil {
		b.Forget(host)
		b.logger.Warn("discovery flow failed", "host", host, "error", err)
		return
	}
	switch {
	case res.Type == configflow.ResultAbort && res.Reason == configflow.ReasonCannotConnect:
		b.Forget(host)
		b.logger.Debug("discovered host unreachable", "host", host)
	case res.Type == configflow.ResultAbort:
		b.logger.Debug("discovery flow aborted", "host", host, "reason", res.Reason)
	default:
		b.logger.Info("switch discovered", "host", host, "flow_id", res.FlowID, "result", res.Type)
	}
}

// Forget lets host be offered again on the next query.
func (b *Browser) Forget(host string) {
	b.mu.Lock()
	delete(b.seen, host)
	b.mu.Unlock()
}

// Seen reports whether host has already been offered.
func (b *Browser) Seen(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen[host]
}
