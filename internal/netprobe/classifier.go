package netprobe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// Classification labels. Without a second observation address the
// probe cannot tell the cone subtypes apart, so any stable mapping is
// reported as full cone.
const (
	NATOpen      = "Open Internet"
	NATFullCone  = "Full Cone NAT"
	NATSymmetric = "Symmetric NAT"
	NATBlocked   = "Blocked"
)

const (
	stunBindingRequest = 0x0001
	stunBindingSuccess = 0x0101
	stunMagicCookie    = 0x2112A442

	attrMappedAddress    = 0x0001
	attrXORMappedAddress = 0x0020
)

// STUNClassifier derives a NAT classification from the mapped
// addresses reported by the configured STUN servers. All queries share
// one local socket; per-server mappings are only comparable when they
// originate from the same source port.
type STUNClassifier struct {
	servers func() []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewSTUNClassifier(servers func() []string, logger *slog.Logger) *STUNClassifier {
	return &STUNClassifier{servers: servers, timeout: 3 * time.Second, logger: logger}
}

func (c *STUNClassifier) Classify(ctx context.Context) (string, error) {
	servers := c.servers()
	if len(servers) == 0 {
		return "", errors.New("no stun servers configured")
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return "", fmt.Errorf("open probe socket: %w", err)
	}
	defer conn.Close()

	var mapped []netip.AddrPort
	for _, server := range servers {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		addr, err := c.query(ctx, conn, server)
		if err != nil {
			c.logger.Debug("stun_query_failed", slog.String("server", server), slog.String("error", err.Error()))
			continue
		}
		c.logger.Debug("stun_mapping", slog.String("server", server), slog.String("mapped", addr.String()))
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		return NATBlocked, nil
	}
	for _, m := range mapped[1:] {
		if m != mapped[0] {
			return NATSymmetric, nil
		}
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	if int(mapped[0].Port()) == local.Port && isLocalAddr(mapped[0].Addr()) {
		return NATOpen, nil
	}
	return NATFullCone, nil
}

func (c *STUNClassifier) query(ctx context.Context, conn *net.UDPConn, server string) (netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", server, err)
	}

	req := make([]byte, 20)
	binary.BigEndian.PutUint16(req[0:2], stunBindingRequest)
	binary.BigEndian.PutUint32(req[4:8], stunMagicCookie)
	txID := req[8:20]
	if _, err := rand.Read(txID); err != nil {
		return netip.AddrPort{}, fmt.Errorf("transaction id: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return netip.AddrPort{}, err
	}
	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send to %s: %w", server, err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("read from %s: %w", server, err)
		}
		// Stray datagrams from earlier queries are skipped by
		// transaction id.
		if addr, ok := parseBindingResponse(buf[:n], txID); ok {
			return addr, nil
		}
	}
}

func parseBindingResponse(msg, txID []byte) (netip.AddrPort, bool) {
	if len(msg) < 20 {
		return netip.AddrPort{}, false
	}
	if binary.BigEndian.Uint16(msg[0:2]) != stunBindingSuccess {
		return netip.AddrPort{}, false
	}
	if binary.BigEndian.Uint32(msg[4:8]) != stunMagicCookie {
		return netip.AddrPort{}, false
	}
	if !bytes.Equal(msg[8:20], txID) {
		return netip.AddrPort{}, false
	}
	length := int(binary.BigEndian.Uint16(msg[2:4]))
	if 20+length > len(msg) {
		length = len(msg) - 20
	}

	attrs := msg[20 : 20+length]
	var fallback netip.AddrPort
	var haveFallback bool
	for len(attrs) >= 4 {
		typ := binary.BigEndian.Uint16(attrs[0:2])
		alen := int(binary.BigEndian.Uint16(attrs[2:4]))
		if 4+alen > len(attrs) {
			break
		}
		value := attrs[4 : 4+alen]
		switch typ {
		case attrXORMappedAddress:
			if ap, ok := decodeXORAddress(value); ok {
				return ap, true
			}
		case attrMappedAddress:
			if ap, ok := decodeAddress(value); ok {
				fallback, haveFallback = ap, true
			}
		}
		next := 4 + alen + (4-alen%4)%4
		if next > len(attrs) {
			break
		}
		attrs = attrs[next:]
	}
	return fallback, haveFallback
}

func decodeXORAddress(v []byte) (netip.AddrPort, bool) {
	if len(v) < 8 || v[1] != 0x01 {
		return netip.AddrPort{}, false
	}
	port := binary.BigEndian.Uint16(v[2:4]) ^ uint16(stunMagicCookie>>16)
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], binary.BigEndian.Uint32(v[4:8])^stunMagicCookie)
	return netip.AddrPortFrom(netip.AddrFrom4(ip), port), true
}

func decodeAddress(v []byte) (netip.AddrPort, bool) {
	if len(v) < 8 || v[1] != 0x01 {
		return netip.AddrPort{}, false
	}
	port := binary.BigEndian.Uint16(v[2:4])
	var ip [4]byte
	copy(ip[:], v[4:8])
	return netip.AddrPortFrom(netip.AddrFrom4(ip), port), true
}

func isLocalAddr(ip netip.Addr) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if parsed, ok := netip.AddrFromSlice(ipn.IP); ok && parsed.Unmap() == ip {
			return true
		}
	}
	return false
}
