package netprobe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/farpath/farpath-agent/internal/metrics"
	"github.com/farpath/farpath-agent/internal/notify"
)

// natTimeoutSentinel is returned as the classification value when the
// probe loses the race against the timer. It is deliberately not an
// error: callers treat it as a degraded answer.
const natTimeoutSentinel = "Timed out"

const (
	defaultProbeTimeout = 30 * time.Second
	defaultCacheTTL     = 5 * time.Minute
)

type Support string

const (
	SupportPending Support = "PENDING"
	SupportTrue    Support = "TRUE"
	SupportFalse   Support = "FALSE"
)

type Classifier interface {
	Classify(ctx context.Context) (string, error)
}

type PortProber interface {
	Probe(ctx context.Context) (Protocols, error)
}

// Report is the combined capability view. A failed sub-probe degrades
// into the Error field instead of failing the report.
type Report struct {
	NATType string `json:"nat_type"`
	NATPMP  bool   `json:"nat_pmp"`
	PCP     bool   `json:"pcp"`
	UPnP    bool   `json:"upnp"`
	Error   string `json:"error,omitempty"`
}

// Prober caches NAT classification and port-control support. The
// classification cache holds at most one pending invalidation timer; a
// newer result replaces the timer of an older one.
type Prober struct {
	classifier Classifier
	ports      PortProber
	bus        *notify.Bus
	metrics    *metrics.Registry
	logger     *slog.Logger

	probeTimeout time.Duration
	cacheTTL     time.Duration

	mu              sync.Mutex
	natType         string
	classifyErr     error
	classifyDone    chan struct{}
	invalidateGen   uint64
	invalidateTimer *time.Timer

	portMu    sync.Mutex
	probed    bool
	support   Support
	protocols Protocols
	portErr   error
}

func NewProber(classifier Classifier, ports PortProber, bus *notify.Bus, reg *metrics.Registry, logger *slog.Logger) *Prober {
	return &Prober{
		classifier:   classifier,
		ports:        ports,
		bus:          bus,
		metrics:      reg,
		logger:       logger,
		probeTimeout: defaultProbeTimeout,
		cacheTTL:     defaultCacheTTL,
		support:      SupportPending,
	}
}

// NATType returns the cached classification when one exists. Otherwise
// it races the probe against the timeout and returns whichever
// resolves first; a probe that finishes after the timeout still lands
// in the cache for the next caller.
func (p *Prober) NATType(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.natType != "" {
		t := p.natType
		p.mu.Unlock()
		return t, nil
	}
	done := p.classifyDone
	if done == nil {
		done = make(chan struct{})
		p.classifyDone = done
		go p.classify(done)
	}
	p.mu.Unlock()

	timeout := time.NewTimer(p.probeTimeout)
	defer timeout.Stop()
	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.classifyErr != nil {
			return "", p.classifyErr
		}
		return p.natType, nil
	case <-timeout.C:
		p.metrics.IncProbeTimeout()
		p.logger.Warn("nat_probe_timed_out")
		return natTimeoutSentinel, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// classify runs detached from the caller so a result arriving after
// the race timeout is still cached.
func (p *Prober) classify(done chan struct{}) {
	p.metrics.IncProbeRun()
	natType, err := p.classifier.Classify(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.classifyErr = err
		p.logger.Warn("nat_probe_failed", slog.String("error", err.Error()))
	} else {
		p.natType = natType
		p.classifyErr = nil
		p.scheduleInvalidationLocked()
		p.logger.Info("nat_probe_completed", slog.String("nat_type", natType))
	}
	p.classifyDone = nil
	close(done)
}

// scheduleInvalidationLocked replaces any pending invalidation with a
// fresh one. The generation counter keeps a stopped timer that already
// fired from clearing a newer result.
func (p *Prober) scheduleInvalidationLocked() {
	p.invalidateGen++
	gen := p.invalidateGen
	if p.invalidateTimer != nil {
		p.invalidateTimer.Stop()
	}
	p.invalidateTimer = time.AfterFunc(p.cacheTTL, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.invalidateGen != gen {
			return
		}
		p.natType = ""
		p.invalidateTimer = nil
	})
}

// PortControlSupport answers from cache, probing first when no probe
// has run yet.
func (p *Prober) PortControlSupport(ctx context.Context) Support {
	p.portMu.Lock()
	if p.probed {
		s := p.support
		p.portMu.Unlock()
		return s
	}
	p.portMu.Unlock()
	return p.probePortControl(ctx)
}

// RefreshPortControl rewinds the cache to PENDING, tells observers,
// reprobes, and tells observers the final value.
func (p *Prober) RefreshPortControl(ctx context.Context) Support {
	p.portMu.Lock()
	p.probed = false
	p.support = SupportPending
	p.portMu.Unlock()
	p.bus.Publish(notify.KindPortControlStatus, map[string]string{"support": string(SupportPending)})

	support := p.probePortControl(ctx)
	p.bus.Publish(notify.KindPortControlStatus, map[string]string{"support": string(support)})
	return support
}

func (p *Prober) probePortControl(ctx context.Context) Support {
	protocols, err := p.ports.Probe(ctx)
	if err != nil {
		p.logger.Warn("port_control_probe_failed", slog.String("error", err.Error()))
	}
	support := SupportFalse
	if protocols.Any() {
		support = SupportTrue
	}
	p.portMu.Lock()
	p.probed = true
	p.support = support
	p.protocols = protocols
	p.portErr = err
	p.portMu.Unlock()
	return support
}

// NetworkInfo never fails outright: sub-probe errors ride along in the
// Error field with whatever did resolve.
func (p *Prober) NetworkInfo(ctx context.Context) Report {
	var report Report
	var errs []string

	natType, err := p.NATType(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("nat classification: %v", err))
	}
	report.NATType = natType

	p.PortControlSupport(ctx)
	p.portMu.Lock()
	report.NATPMP = p.protocols.NATPMP
	report.PCP = p.protocols.PCP
	report.UPnP = p.protocols.UPnP
	if p.portErr != nil {
		errs = append(errs, fmt.Sprintf("port control: %v", p.portErr))
	}
	p.portMu.Unlock()

	report.Error = strings.Join(errs, "; ")
	return report
}

func (p *Prober) NetworkInfoText(ctx context.Context) string {
	r := p.NetworkInfo(ctx)
	var b strings.Builder
	fmt.Fprintf(&b, "NAT Type: %s\n", r.NATType)
	fmt.Fprintf(&b, "NAT-PMP: %t\n", r.NATPMP)
	fmt.Fprintf(&b, "PCP: %t\n", r.PCP)
	fmt.Fprintf(&b, "UPnP: %t\n", r.UPnP)
	if r.Error != "" {
		fmt.Fprintf(&b, "Probe error: %s\n", r.Error)
	}
	return b.String()
}
