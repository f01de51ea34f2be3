package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
	peer_store "github.com/anacrolix/dht/v2/peer-store"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

var (
	ErrNoNodesContacted = errors.New("no DHT nodes were contacted")
	ErrDHTClosed        = errors.New("DHT peer is closed")
)

// DefaultBootstrapNodes are the public mainline DHT routers
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
	"dht.anacrolix.link:42069",
}

// DHTPeer is the global discovery channel on top of the BitTorrent
// mainline DHT
type DHTPeer struct {
	server          *dht.Server
	nodeID          krpc.ID
	config          *utils.ConfigManager
	logger          *utils.LogsManager
	nodeTypes       *utils.NodeTypeManager
	ctx             context.Context
	cancel          context.CancelFunc
	port            int
	conn            *net.UDPConn
	bootstrap       []string
	announceTimeout time.Duration
	// live traversals per infohash
	streams      map[metainfo.Hash]map[*dhtStream]struct{}
	streamsMutex sync.Mutex
}

func NewDHTPeer(config *utils.ConfigManager, logger *utils.LogsManager, bootstrap []string, ephemeral bool) (*DHTPeer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	port := config.GetConfigInt("dht_port", 30609, 0, 65535)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create UDP connection: %v", err)
	}

	nodeTypes := utils.NewNodeTypeManager()

	// Persistent nodes get an ID that passes BEP 42 checks against the
	// address other nodes see; ephemeral ones never answer queries
	var nodeID krpc.ID
	if ip := secureNodeIP(config, logger, nodeTypes, ephemeral); ip != nil {
		nodeID = generateSecureNodeID(ip)
		logger.Info(fmt.Sprintf("Using secure node ID %x for %s", nodeID, ip), "dht")
	} else {
		nodeID = krpc.RandomNodeID()
	}

	d := &DHTPeer{
		nodeID:          nodeID,
		config:          config,
		logger:          logger,
		nodeTypes:       nodeTypes,
		ctx:             ctx,
		cancel:          cancel,
		port:            conn.LocalAddr().(*net.UDPAddr).Port,
		conn:            conn,
		bootstrap:       bootstrap,
		announceTimeout: config.GetConfigDuration("dht_announce_timeout", 60*time.Second),
		streams:         make(map[metainfo.Hash]map[*dhtStream]struct{}),
	}

	serverConfig := &dht.ServerConfig{
		NodeId:    nodeID,
		Conn:      conn,
		Passive:   ephemeral,
		PeerStore: &peer_store.InMemory{},
		OnQuery: func(query *krpc.Msg, source net.Addr) bool {
			logger.Debug(fmt.Sprintf("Received DHT query: %s from %s", query.Q, source), "dht")
			return true
		},
		OnAnnouncePeer: d.onAnnouncePeer,
		StartingNodes: func() ([]dht.Addr, error) {
			return d.bootstrapAddrs()
		},
	}

	server, err := dht.NewServer(serverConfig)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to create DHT server: %v", err)
	}
	d.server = server

	return d, nil
}

// resolveBootstrapAddrs resolves host:port strings, skipping duplicates and
// names that do not resolve
func resolveBootstrapAddrs(nodes []string) ([]dht.Addr, error) {
	seen := make(map[string]bool)
	var addrs []dht.Addr
	for _, node := range nodes {
		if seen[node] {
			continue
		}
		seen[node] = true

		udpAddr, err := net.ResolveUDPAddr("udp4", node)
		if err != nil {
			continue
		}
		addrs = append(addrs, dht.NewAddr(udpAddr))
	}

	if len(nodes) > 0 && len(addrs) == 0 {
		return nil, fmt.Errorf("none of %d bootstrap nodes could be resolved", len(nodes))
	}
	return addrs, nil
}

func (d *DHTPeer) bootstrapAddrs() ([]dht.Addr, error) {
	addrs, err := resolveBootstrapAddrs(d.bootstrap)
	if err != nil {
		d.logger.Warn(err.Error(), "dht")
	}
	return addrs, err
}

func (d *DHTPeer) onAnnouncePeer(infoHash metainfo.Hash, ip net.IP, port int, portOk bool) {
	d.streamsMutex.Lock()
	_, known := d.streams[infoHash]
	d.streamsMutex.Unlock()

	msg := fmt.Sprintf("Peer announced: infohash=%x, ip=%s, port=%d", infoHash, ip, port)
	if known {
		d.logger.Info(msg, "dht")
	} else {
		d.logger.Debug(msg, "dht")
	}
}

// Start bootstraps the routing table in the background
func (d *DHTPeer) Start() error {
	d.logger.Info(fmt.Sprintf("Starting DHT peer with Node ID: %x on port %d", d.nodeID, d.port), "dht")

	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		defer cancel()

		d.logger.Info("Bootstrapping DHT...", "dht")
		stats, err := d.server.BootstrapContext(ctx)
		if err != nil {
			d.logger.Error(fmt.Sprintf("Bootstrap failed: %v", err), "dht")
		} else {
			d.logger.Info(fmt.Sprintf("Bootstrap completed: %+v", stats), "dht")
		}

		if d.ctx.Err() == nil {
			go d.server.TableMaintainer()
		}
	}()

	return nil
}

// KeyToInfoHash maps a topic key onto the 20 byte DHT keyspace. Longer keys
// are truncated, shorter keys zero padded.
func KeyToInfoHash(key []byte) metainfo.Hash {
	var hash metainfo.Hash
	copy(hash[:], key)
	return hash
}

func (d *DHTPeer) Announce(ctx context.Context, key []byte, desc discovery.AnnounceDescriptor) (discovery.Stream, error) {
	infoHash := KeyToInfoHash(key)
	d.logger.Info(fmt.Sprintf("Announcing infohash %x on port %d", infoHash, desc.Port), "dht")

	announce, err := d.server.AnnounceTraversal(infoHash,
		dht.AnnouncePeer(dht.AnnouncePeerOpts{
			Port:        desc.Port,
			ImpliedPort: desc.Port == 0,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start announce for %x: %w", infoHash, err)
	}

	return d.track(ctx, infoHash, announce, true), nil
}

func (d *DHTPeer) Lookup(ctx context.Context, key []byte) (discovery.Stream, error) {
	infoHash := KeyToInfoHash(key)
	d.logger.Debug(fmt.Sprintf("Looking up infohash %x", infoHash), "dht")

	announce, err := d.server.AnnounceTraversal(infoHash)
	if err != nil {
		return nil, fmt.Errorf("failed to start lookup for %x: %w", infoHash, err)
	}

	return d.track(ctx, infoHash, announce, false), nil
}

func (d *DHTPeer) track(ctx context.Context, infoHash metainfo.Hash, announce *dht.Announce, announcing bool) *dhtStream {
	stream := newDHTStream(announce, d.nodeTypes.IsLANPeer)
	stream.announcing = announcing

	d.streamsMutex.Lock()
	if d.streams[infoHash] == nil {
		d.streams[infoHash] = make(map[*dhtStream]struct{})
	}
	d.streams[infoHash][stream] = struct{}{}
	d.streamsMutex.Unlock()

	go func() {
		stream.run(ctx, d.ctx, d.announceTimeout)
		d.untrack(infoHash, stream)
		d.logger.Debug(fmt.Sprintf("Traversal for %x ended after contacting %d nodes", infoHash, announce.NumContacted()), "dht")
	}()

	return stream
}

func (d *DHTPeer) untrack(infoHash metainfo.Hash, stream *dhtStream) {
	d.streamsMutex.Lock()
	defer d.streamsMutex.Unlock()

	streams := d.streams[infoHash]
	delete(streams, stream)
	if len(streams) == 0 {
		delete(d.streams, infoHash)
	}
}

// Unannounce withdraws one topic's announcement. Mainline DHT has no
// withdraw message and stored records expire on their own; the topic's
// traversal stops when its stream is closed. Traversals of other topics on
// the same infohash are left running.
func (d *DHTPeer) Unannounce(ctx context.Context, key []byte, desc discovery.AnnounceDescriptor) error {
	infoHash := KeyToInfoHash(key)

	d.streamsMutex.Lock()
	announcing := 0
	for stream := range d.streams[infoHash] {
		if stream.announcing && !stream.stopped() {
			announcing++
		}
	}
	d.streamsMutex.Unlock()

	d.logger.Debug(fmt.Sprintf("Unannounced infohash %x on port %d (%d announces still running)", infoHash, desc.Port, announcing), "dht")
	return nil
}

func (d *DHTPeer) query(ctx context.Context, addr *net.UDPAddr) dht.QueryResult {
	return d.server.Query(ctx, dht.NewAddr(addr), "ping", dht.QueryInput{})
}

// Ping sends a KRPC ping and returns our address as the node saw it
func (d *DHTPeer) Ping(ctx context.Context, node string) (discovery.PeerAddr, error) {
	if d.ctx.Err() != nil {
		return discovery.PeerAddr{}, ErrDHTClosed
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", node)
	if err != nil {
		return discovery.PeerAddr{}, fmt.Errorf("failed to resolve address %s: %v", node, err)
	}

	result := d.query(ctx, udpAddr)
	if result.Err != nil {
		return discovery.PeerAddr{}, fmt.Errorf("ping failed: %w", result.Err)
	}

	d.logger.Debug(fmt.Sprintf("Successfully pinged %s", node), "dht")
	return discovery.PeerAddr{IP: result.Reply.IP.IP, Port: result.Reply.IP.Port}, nil
}

// Holepunch makes sure the referrer is reachable and then sends a probe to
// the peer from the DHT socket, opening our side of the NAT mapping. The
// peer does the same toward us after seeing our announce.
func (d *DHTPeer) Holepunch(ctx context.Context, peer discovery.PeerAddr, referrer discovery.PeerAddr) error {
	if d.ctx.Err() != nil {
		return ErrDHTClosed
	}

	result := d.query(ctx, referrer.UDPAddr())
	if result.Err != nil {
		return fmt.Errorf("referrer %s unreachable: %w", referrer, result.Err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.config.GetConfigDuration("holepunch_timeout", 5*time.Second))
	defer cancel()
	if probe := d.query(probeCtx, peer.UDPAddr()); probe.Err != nil {
		// expected when the peer runs no DHT node; the mapping is open anyway
		d.logger.Debug(fmt.Sprintf("Holepunch probe to %s got no answer: %v", peer, probe.Err), "dht")
	}
	return nil
}

func (d *DHTPeer) GetStats() dht.ServerStats {
	return d.server.Stats()
}

func (d *DHTPeer) NodeID() string {
	return fmt.Sprintf("%x", d.nodeID)
}

func (d *DHTPeer) Port() int {
	return d.port
}

// generateSecureNodeID creates a BEP 42 node ID for the given IP address
// secureNodeIP returns the address BEP 42 ties the node ID to: the local
// address for public hosts, the externally observed one behind NAT.
func secureNodeIP(config *utils.ConfigManager, logger *utils.LogsManager, nodeTypes *utils.NodeTypeManager, ephemeral bool) net.IP {
	if ephemeral {
		return nil
	}
	if nodeTypes.DetectNodeType() == utils.Public {
		localIP, err := nodeTypes.GetLocalIP()
		if err == nil {
			return localIP
		}
	}
	if !config.GetConfigBool("dht_external_ip_lookup", true) {
		return nil
	}
	externalIP, err := nodeTypes.GetExternalIP()
	if err != nil {
		logger.Warn(fmt.Sprintf("Falling back to a random node ID: %v", err), "dht")
		return nil
	}
	return externalIP
}

func generateSecureNodeID(ip net.IP) krpc.ID {
	nodeID := krpc.RandomNodeID()
	dht.SecureNodeId(&nodeID, ip)
	return nodeID
}

// Close stops every traversal and the DHT server
func (d *DHTPeer) Close() error {
	d.logger.Info("Stopping DHT peer...", "dht")
	d.cancel()

	if d.server != nil {
		d.server.Close()
	}

	if d.conn != nil {
		d.conn.Close()
	}

	return nil
}
