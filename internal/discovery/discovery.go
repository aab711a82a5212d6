package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"DistCount/internal/logger"
	"DistCount/internal/types"
)

// nodeMeta is gossiped with every member.
type nodeMeta struct {
	HTTPAddr string `json:"http_addr,omitempty"`
	RaftAddr string `json:"raft_addr,omitempty"`
	Slots    int    `json:"slots"`
}

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeUpdate(node)
}

// metaDelegate advertises the local node's capacity. It carries no user
// messages or push/pull state.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// NodeDiscovery uses memberlist for node discovery and worker capacity tracking
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	// onNodeJoin and onNodeLeave are called when nodes join/leave
	onNodeJoin  func(types.Node)
	onNodeLeave func(string)

	nodes       map[string]types.Node // nodeID -> node
	localNodeID string
}

// Config for node discovery
type Config struct {
	NodeID       string         // Unique node identifier
	LocalAddress string         // Address to bind to
	LocalPort    int            // Port to bind to
	JoinAddrs    []string       // Addresses to join cluster (format: "host:port")
	HTTPAddr     string         // advertised job API address
	RaftAddr     string         // advertised raft transport address, if any
	Slots        int            // advertised worker pool size
	Logger       *logger.Logger // optional
}

// NewNodeDiscovery creates a new node discovery service
func NewNodeDiscovery(cfg Config) (*NodeDiscovery, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("discovery node ID cannot be empty: %w", types.ErrConfig)
	}
	if cfg.Slots < 0 {
		return nil, fmt.Errorf("slots must not be negative, got %d: %w", cfg.Slots, types.ErrConfig)
	}

	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("discovery")
	lg.Info("Initializing node discovery: node_id=%s addr=%s:%d slots=%d", cfg.NodeID, cfg.LocalAddress, cfg.LocalPort, cfg.Slots)

	meta, err := json.Marshal(nodeMeta{HTTPAddr: cfg.HTTPAddr, RaftAddr: cfg.RaftAddr, Slots: cfg.Slots})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}

	nd := &NodeDiscovery{
		logger:      lg,
		localNodeID: cfg.NodeID,
		nodes:       make(map[string]types.Node),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.LocalPort
	mlConfig.BindAddr = cfg.LocalAddress
	mlConfig.AdvertisePort = cfg.LocalPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.LogOutput = lg.Writer()
	mlConfig.Events = &EventDelegate{discovery: nd}
	mlConfig.Delegate = &metaDelegate{meta: meta}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		n, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			lg.Warn("Failed to join cluster: %v (continuing as single node)", err)
		} else {
			lg.Info("Successfully joined cluster: contacted=%d members=%d", n, ml.NumMembers())
		}
	}

	return nd, nil
}

// LocalNodeID returns the name this node gossips under.
func (nd *NodeDiscovery) LocalNodeID() string {
	return nd.localNodeID
}

// Members returns all live nodes, ordered by ID.
func (nd *NodeDiscovery) Members() []types.Node {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	nodes := make([]types.Node, 0, len(nd.nodes))
	for _, n := range nd.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, k int) bool { return nodes[i].ID < nodes[k].ID })
	return nodes
}

// Capacity returns the total worker slots advertised by live nodes.
func (nd *NodeDiscovery) Capacity() int {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	total := 0
	for _, n := range nd.nodes {
		total += n.Slots
	}
	return total
}

// RegisterJoinCallback registers a callback for when nodes join
func (nd *NodeDiscovery) RegisterJoinCallback(callback func(node types.Node)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeJoin = callback
}

// RegisterLeaveCallback registers a callback for when nodes leave
func (nd *NodeDiscovery) RegisterLeaveCallback(callback func(nodeID string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeLeave = callback
}

func (nd *NodeDiscovery) toNode(node *memberlist.Node) types.Node {
	n := types.Node{
		ID:      node.Name,
		Address: net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port))),
	}
	var meta nodeMeta
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			nd.logger.Warn("Ignoring malformed node metadata: node_id=%s err=%v", node.Name, err)
		}
	}
	n.HTTPAddr = meta.HTTPAddr
	n.RaftAddr = meta.RaftAddr
	n.Slots = meta.Slots
	return n
}

// handleNodeJoin processes a node join event
func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	n := nd.toNode(node)

	nd.mu.Lock()
	nd.nodes[n.ID] = n
	callback := nd.onNodeJoin
	nd.mu.Unlock()

	nd.logger.Info("Node joined: node_id=%s address=%s slots=%d", n.ID, n.Address, n.Slots)

	if callback != nil {
		callback(n)
	}
}

// handleNodeLeave processes a node leave event
func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.Lock()
	delete(nd.nodes, node.Name)
	callback := nd.onNodeLeave
	nd.mu.Unlock()

	nd.logger.Info("Node left: node_id=%s", node.Name)

	if callback != nil {
		callback(node.Name)
	}
}

// handleNodeUpdate processes a metadata change
func (nd *NodeDiscovery) handleNodeUpdate(node *memberlist.Node) {
	n := nd.toNode(node)

	nd.mu.Lock()
	nd.nodes[n.ID] = n
	nd.mu.Unlock()

	nd.logger.Debug("Node updated: node_id=%s address=%s slots=%d", n.ID, n.Address, n.Slots)
}

// NumMembers returns the number of known cluster members
func (nd *NodeDiscovery) NumMembers() int {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return len(nd.nodes)
}

// Leave gracefully leaves the cluster
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown shuts down the discovery service
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}
