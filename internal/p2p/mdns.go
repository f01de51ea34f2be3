package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

const (
	defaultMDNSGroup = "224.0.0.251"
	defaultMDNSPort  = 5353
	mdnsBufferSize   = 9000
)

var ErrMDNSNotStarted = errors.New("multicast DNS channel is not started")

// MulticastDNS is the local discovery channel: plain DNS messages on the
// mDNS group, shared with any other responder on the host
type MulticastDNS struct {
	config     *utils.ConfigManager
	logger     *utils.LogsManager
	group      *net.UDPAddr
	conn       net.PacketConn
	packetConn *ipv4.PacketConn
	interfaces []net.Interface
	handler    discovery.LocalHandler
	writeMutex sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewMulticastDNS(config *utils.ConfigManager, logger *utils.LogsManager) (*MulticastDNS, error) {
	group := net.ParseIP(config.GetConfigWithDefault("mdns_group", defaultMDNSGroup))
	if group == nil || group.To4() == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("invalid mdns_group, expected an IPv4 multicast address")
	}
	port := config.GetConfigInt("mdns_port", defaultMDNSPort, 1, 65535)

	ctx, cancel := context.WithCancel(context.Background())
	return &MulticastDNS{
		config: config,
		logger: logger,
		group:  &net.UDPAddr{IP: group.To4(), Port: port},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// multicastInterfaces returns the named interface, or every interface that
// is up and multicast capable
func multicastInterfaces(name string) ([]net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("mdns interface %s: %w", name, err)
		}
		return []net.Interface{*iface}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ifaces []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

// Start binds the group port, joins the group and starts delivering
// inbound messages to handler
func (m *MulticastDNS) Start(handler discovery.LocalHandler) error {
	if m.ctx.Err() != nil {
		return ErrMDNSNotStarted
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(m.ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(m.group.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen on mdns port %d: %w", m.group.Port, err)
	}

	packetConn := ipv4.NewPacketConn(conn)
	candidates, err := multicastInterfaces(m.config.GetConfigWithDefault("mdns_interface", ""))
	if err != nil {
		conn.Close()
		return err
	}

	var joined []net.Interface
	var joinErrs error
	for _, iface := range candidates {
		iface := iface
		if err := packetConn.JoinGroup(&iface, &net.UDPAddr{IP: m.group.IP}); err != nil {
			joinErrs = multierr.Append(joinErrs, fmt.Errorf("%s: %w", iface.Name, err))
			continue
		}
		joined = append(joined, iface)
	}
	if len(joined) == 0 {
		conn.Close()
		return fmt.Errorf("failed to join %s on any interface: %w", m.group.IP, joinErrs)
	}
	if joinErrs != nil {
		m.logger.Debug(fmt.Sprintf("Some interfaces did not join the mdns group: %v", joinErrs), "mdns")
	}

	if err := packetConn.SetMulticastLoopback(true); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to enable multicast loopback: %v", err), "mdns")
	}
	if err := packetConn.SetMulticastTTL(255); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to set multicast TTL: %v", err), "mdns")
	}

	m.writeMutex.Lock()
	m.conn = conn
	m.packetConn = packetConn
	m.interfaces = joined
	m.handler = handler
	m.writeMutex.Unlock()

	m.wg.Add(1)
	go m.readLoop()

	m.logger.Info(fmt.Sprintf("Multicast DNS listening on %s (%d interfaces)", m.group, len(joined)), "mdns")
	return nil
}

func (m *MulticastDNS) readLoop() {
	defer m.wg.Done()

	buf := make([]byte, mdnsBufferSize)
	for {
		n, _, src, err := m.packetConn.ReadFrom(buf)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			m.logger.Warn(fmt.Sprintf("mdns read failed: %v", err), "mdns")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		from, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			m.logger.Debug(fmt.Sprintf("Dropping malformed mdns packet from %s: %v", from, err), "mdns")
			continue
		}

		if msg.Response {
			m.handler.HandleResponse(msg, from)
		} else {
			m.handler.HandleQuery(msg, from)
		}
	}
}

// buildQuery and buildResponse produce the messages this channel sends.
// mDNS uses message ID 0 in both directions.
func buildQuery(questions []dns.Question, additionals []dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = 0
	msg.Question = questions
	msg.Extra = additionals
	return msg
}

func buildResponse(answers []dns.RR) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = 0
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = answers
	return msg
}

func (m *MulticastDNS) Query(questions []dns.Question, additionals []dns.RR) error {
	return m.send(buildQuery(questions, additionals))
}

func (m *MulticastDNS) Respond(answers []dns.RR) error {
	return m.send(buildResponse(answers))
}

// send writes msg to the group once per joined interface
func (m *MulticastDNS) send(msg *dns.Msg) error {
	packed, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack mdns message: %w", err)
	}

	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()

	if m.packetConn == nil || m.ctx.Err() != nil {
		return ErrMDNSNotStarted
	}

	var errs error
	sent := 0
	for _, iface := range m.interfaces {
		iface := iface
		if err := m.packetConn.SetMulticastInterface(&iface); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", iface.Name, err))
			continue
		}
		if _, err := m.packetConn.WriteTo(packed, nil, m.group); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", iface.Name, err))
			continue
		}
		sent++
	}

	if sent == 0 {
		return fmt.Errorf("mdns message not sent: %w", errs)
	}
	return nil
}

func (m *MulticastDNS) Close() error {
	m.cancel()

	m.writeMutex.Lock()
	conn := m.conn
	m.conn = nil
	m.writeMutex.Unlock()

	if conn == nil {
		return nil
	}

	var err error
	for _, iface := range m.interfaces {
		iface := iface
		err = multierr.Append(err, m.packetConn.LeaveGroup(&iface, &net.UDPAddr{IP: m.group.IP}))
	}
	err = multierr.Append(err, conn.Close())
	m.wg.Wait()

	m.logger.Info("Multicast DNS stopped", "mdns")
	return err
}
