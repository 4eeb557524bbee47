// Package udpnet implements the multicast UDP transport adapter:
// joining the group on every configured interface, setting the
// outgoing interface per send, and listening for inbound datagrams.
// Grounded on original_source/litter.py's MulticastServer/UDPSender
// and generalized with golang.org/x/net/ipv4 in place of raw
// setsockopt calls, per spec section 6.
package udpnet

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/pstjuste/litter/internal/logging"
	"github.com/pstjuste/litter/internal/router"
	"github.com/pstjuste/litter/internal/transport"
)

// Transport owns the multicast UDP socket and the set of interfaces it
// joins/sends on. It implements router.Broadcaster and produces
// transport.Inbound items for the node's ingress queue.
type Transport struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	group   *net.UDPAddr
	ifaces  []*net.Interface
	localIP string
	log     logging.Logger
}

// New joins the multicast group addr:port on every named interface
// (an empty ifaceNames binds to the default interface). localIP is
// used by the router to recognize our own multicast echo.
func New(addr string, port int, ifaceNames []string, log logging.Logger) (*Transport, error) {
	group := &net.UDPAddr{IP: net.ParseIP(addr), Port: port}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("udpnet: listen: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(255); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udpnet: set ttl: %w", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udpnet: set loopback: %w", err)
	}

	var ifaces []*net.Interface
	var localIP string
	if len(ifaceNames) == 0 {
		if err := pconn.JoinGroup(nil, group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("udpnet: join group: %w", err)
		}
	} else {
		for _, name := range ifaceNames {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("udpnet: interface %s: %w", name, err)
			}
			if err := pconn.JoinGroup(iface, group); err != nil {
				conn.Close()
				return nil, fmt.Errorf("udpnet: join group on %s: %w", name, err)
			}
			ifaces = append(ifaces, iface)
			if ip := firstIPv4(iface); ip != "" {
				localIP = ip
			}
		}
	}

	return &Transport{
		conn:    conn,
		pconn:   pconn,
		group:   group,
		ifaces:  ifaces,
		localIP: localIP,
		log:     log,
	}, nil
}

func firstIPv4(iface *net.Interface) string {
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return ""
}

// LocalIPs returns the addresses of every interface this transport
// joined on, for the router's own-echo recognition.
func (t *Transport) LocalIPs() []string {
	var ips []string
	for _, iface := range t.ifaces {
		if ip := firstIPv4(iface); ip != "" {
			ips = append(ips, ip)
		}
	}
	if t.localIP != "" && len(ips) == 0 {
		ips = append(ips, t.localIP)
	}
	return ips
}

// Broadcast implements router.Broadcaster: send payload to the
// multicast group, re-emitting on every configured interface by
// setting the outgoing interface socket option per send, mirroring
// UDPSender.send's per-interface loop in the original source.
func (t *Transport) Broadcast(ctx context.Context, payload []byte) error {
	if len(t.ifaces) == 0 {
		_, err := t.conn.WriteToUDP(payload, t.group)
		return err
	}
	var firstErr error
	for _, iface := range t.ifaces {
		if err := t.pconn.SetMulticastInterface(iface); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := t.pconn.WriteTo(payload, nil, t.group); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Unicast implements router.Broadcaster: send payload to a specific
// learned next-hop address.
func (t *Transport) Unicast(ctx context.Context, payload []byte, dest router.Addr) error {
	addr := &net.UDPAddr{IP: net.ParseIP(dest.IP), Port: dest.Port}
	_, err := t.conn.WriteToUDP(payload, addr)
	return err
}

// Listen blocks receiving datagrams and pushes them onto out, one
// transport.Inbound per packet, until the connection is closed or an
// empty datagram is received (the shutdown convention from spec
// section 5: the coordinator sends itself an empty datagram to wake
// the blocked receive and exit the loop).
func (t *Transport) Listen(ctx context.Context, out chan<- transport.Inbound) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.log.Warnf("udpnet: read error: %v", err)
				return
			}
		}
		if n == 0 {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		sender := &udpSender{t: t, addr: router.Addr{IP: addr.IP.String(), Port: addr.Port}}
		select {
		case out <- transport.Inbound{Payload: payload, Sender: sender}:
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the socket, leaving every joined group.
func (t *Transport) Close() error {
	for _, iface := range t.ifaces {
		_ = t.pconn.LeaveGroup(iface, t.group)
	}
	return t.conn.Close()
}

// WakeListener sends itself an empty datagram so a blocked Listen call
// observes a zero-length read and exits, per the shutdown convention
// in spec section 5.
func (t *Transport) WakeListener() error {
	local := t.conn.LocalAddr().(*net.UDPAddr)
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: local.Port}
	_, err := t.conn.WriteToUDP([]byte{}, dest)
	return err
}

type udpSender struct {
	t    *Transport
	addr router.Addr
}

func (s *udpSender) Addr() (router.Addr, bool) { return s.addr, true }
func (s *udpSender) IsHTTP() bool              { return false }

func (s *udpSender) ReplyDirect(ctx context.Context, data []byte) error {
	return s.t.Unicast(ctx, data, s.addr)
}
