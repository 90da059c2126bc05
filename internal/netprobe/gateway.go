package netprobe

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
)

type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// GatewayFinder resolves the default IPv4 gateway, used as the target
// for NAT-PMP and PCP probes. An explicit override skips discovery.
type GatewayFinder struct {
	override string
	runner   commandRunner
}

func NewGatewayFinder(override string) *GatewayFinder {
	return &GatewayFinder{override: override, runner: execRunner{}}
}

func (g *GatewayFinder) Gateway(ctx context.Context) (netip.Addr, error) {
	if g.override != "" {
		addr, err := netip.ParseAddr(g.override)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parse gateway override %q: %w", g.override, err)
		}
		return addr, nil
	}
	out, err := g.runner.Output(ctx, "ip", "-4", "route", "show", "default")
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discover default gateway: %w", err)
	}
	return parseDefaultRoute(string(out))
}

func parseDefaultRoute(out string) (netip.Addr, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] != "via" {
				continue
			}
			addr, err := netip.ParseAddr(fields[i+1])
			if err != nil {
				continue
			}
			return addr, nil
		}
	}
	return netip.Addr{}, errors.New("no default gateway in route table")
}
