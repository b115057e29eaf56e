package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bft-labs/chatsync/internal/ports"
)

// Defaults for ProbeConfig.
const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// probeBodyLimit caps how much of the probe response is read for the
// downlink estimate.
const probeBodyLimit = 256 << 10

// ProbeConfig configures Probe.
type ProbeConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// Probe polls a URL to decide whether the link is up and how good it is.
// It implements ports.ConnectivitySource and ports.NetworkInfo.
type Probe struct {
	client ports.HTTPClient
	cfg    ProbeConfig
	logger ports.Logger

	mu      sync.Mutex
	quality ports.NetworkQuality
	online  *bool
	now     func() time.Time
}

// NewProbe creates a probe. A nil client uses http.DefaultClient with the
// per-request timeout applied through the context.
func NewProbe(client ports.HTTPClient, cfg ProbeConfig, logger ports.Logger) *Probe {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	return &Probe{client: client, cfg: cfg, logger: logger, now: time.Now}
}

// Supported implements ports.NetworkInfo.
func (p *Probe) Supported() bool { return true }

// Quality implements ports.NetworkInfo.
func (p *Probe) Quality() ports.NetworkQuality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quality
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Probe) Run(ctx context.Context, sink ports.ConnectivitySink) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.Check(ctx, sink)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check performs one probe and reports changes to sink.
func (p *Probe) Check(ctx context.Context, sink ports.ConnectivitySink) {
	q, err := p.measure(ctx)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	wasOnline := p.online
	online := err == nil
	p.online = &online
	qualityChanged := online && q.EffectiveType != p.quality.EffectiveType
	if online {
		p.quality = q
	}
	p.mu.Unlock()

	if !online {
		if wasOnline == nil || *wasOnline {
			p.logger.Warn("connectivity probe failed", ports.String("url", p.cfg.URL), ports.Err(err))
			sink.HandleOffline()
			return
		}
		sink.HandleReconnectAttempt()
		return
	}

	if wasOnline == nil || !*wasOnline {
		sink.HandleOnline()
	}
	if qualityChanged {
		p.logger.Debug("link quality changed",
			ports.String("effective_type", q.EffectiveType),
			ports.Float64("downlink_mbps", q.DownlinkMbps),
			ports.Duration("rtt", q.RTT),
		)
		sink.HandleNetworkChange()
	}
}

func (p *Probe) measure(ctx context.Context) (ports.NetworkQuality, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return ports.NetworkQuality{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return ports.NetworkQuality{}, err
	}
	defer resp.Body.Close()
	rtt := p.now().Sub(start)

	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))
	total := p.now().Sub(start)

	var downlink float64
	if transfer := total - rtt; n > 0 && transfer > 0 {
		downlink = float64(n*8) / transfer.Seconds() / 1e6
	}
	return ports.NetworkQuality{
		EffectiveType: EffectiveType(rtt, downlink),
		DownlinkMbps:  downlink,
		RTT:           rtt,
	}, nil
}

// EffectiveType classifies a link the way the Network Information API
// does. A zero downlink means "unknown" and only rtt is used.
func EffectiveType(rtt time.Duration, downlinkMbps float64) string {
	known := downlinkMbps > 0
	switch {
	case rtt >= 2000*time.Millisecond || (known && downlinkMbps < 0.05):
		return "slow-2g"
	case rtt >= 1400*time.Millisecond || (known && downlinkMbps < 0.07):
		return "2g"
	case rtt >= 270*time.Millisecond || (known && downlinkMbps < 0.7):
		return "3g"
	default:
		return "4g"
	}
}

var (
	_ ports.ConnectivitySource = (*Probe)(nil)
	_ ports.NetworkInfo        = (*Probe)(nil)
)
