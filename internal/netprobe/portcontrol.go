package netprobe

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Protocols reports which port-mapping protocols answered a probe.
type Protocols struct {
	NATPMP bool `json:"nat_pmp"`
	PCP    bool `json:"pcp"`
	UPnP   bool `json:"upnp"`
}

func (p Protocols) Any() bool { return p.NATPMP || p.PCP || p.UPnP }

// UDPPortProber checks the default gateway for NAT-PMP and PCP and the
// local segment for a UPnP internet gateway device.
type UDPPortProber struct {
	gateway *GatewayFinder
	timeout time.Duration
	logger  *slog.Logger

	mappingPort string
	ssdpAddr    string
}

func NewUDPPortProber(gateway *GatewayFinder, timeout time.Duration, logger *slog.Logger) *UDPPortProber {
	return &UDPPortProber{
		gateway:     gateway,
		timeout:     timeout,
		logger:      logger,
		mappingPort: "5351",
		ssdpAddr:    "239.255.255.250:1900",
	}
}

// Probe runs the three protocol checks concurrently. A gateway
// discovery failure still probes UPnP and surfaces the error so the
// caller can embed it in a degraded report.
func (p *UDPPortProber) Probe(ctx context.Context) (Protocols, error) {
	var out Protocols
	var wg sync.WaitGroup

	gw, gwErr := p.gateway.Gateway(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		out.UPnP = p.probeUPnP(ctx)
	}()
	if gwErr == nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			out.NATPMP = p.probeNATPMP(ctx, gw)
		}()
		go func() {
			defer wg.Done()
			out.PCP = p.probePCP(ctx, gw)
		}()
	}
	wg.Wait()

	p.logger.Debug("port_control_probe",
		slog.Bool("nat_pmp", out.NATPMP),
		slog.Bool("pcp", out.PCP),
		slog.Bool("upnp", out.UPnP))
	if gwErr != nil {
		return out, fmt.Errorf("gateway discovery: %w", gwErr)
	}
	return out, nil
}

func (p *UDPPortProber) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// probeNATPMP sends an external-address request (version 0, opcode 0)
// and expects a success response (opcode 128, result code 0).
func (p *UDPPortProber) probeNATPMP(ctx context.Context, gw netip.Addr) bool {
	conn, err := net.Dial("udp4", net.JoinHostPort(gw.String(), p.mappingPort))
	if err != nil {
		return false
	}
	defer conn.Close()
	if err := conn.SetDeadline(p.deadline(ctx)); err != nil {
		return false
	}
	if _, err := conn.Write([]byte{0x00, 0x00}); err != nil {
		return false
	}
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil || n < 4 {
		return false
	}
	return buf[0] == 0x00 && buf[1] == 0x80 && binary.BigEndian.Uint16(buf[2:4]) == 0
}

// probePCP sends a version-2 ANNOUNCE and expects a version-2 success
// response.
func (p *UDPPortProber) probePCP(ctx context.Context, gw netip.Addr) bool {
	conn, err := net.Dial("udp4", net.JoinHostPort(gw.String(), p.mappingPort))
	if err != nil {
		return false
	}
	defer conn.Close()
	if err := conn.SetDeadline(p.deadline(ctx)); err != nil {
		return false
	}

	req := make([]byte, 24)
	req[0] = 0x02
	req[1] = 0x00
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return false
	}
	copy(req[8:24], local.IP.To16())
	if _, err := conn.Write(req); err != nil {
		return false
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil || n < 4 {
		return false
	}
	return buf[0] == 0x02 && buf[1] == 0x80 && buf[3] == 0x00
}

// probeUPnP multicasts an SSDP search for an internet gateway device.
func (p *UDPPortProber) probeUPnP(ctx context.Context) bool {
	raddr, err := net.ResolveUDPAddr("udp4", p.ssdpAddr)
	if err != nil {
		return false
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return false
	}
	defer conn.Close()
	if err := conn.SetDeadline(p.deadline(ctx)); err != nil {
		return false
	}

	search := strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: 239.255.255.250:1900",
		`MAN: "ssdp:discover"`,
		"MX: 2",
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1",
		"", "",
	}, "\r\n")
	if _, err := conn.WriteToUDP([]byte(search), raddr); err != nil {
		return false
	}
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return false
		}
		if strings.Contains(string(buf[:n]), "200 OK") {
			return true
		}
	}
}
