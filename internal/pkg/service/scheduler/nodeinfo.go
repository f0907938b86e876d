package scheduler

import (
	"sync"

	"github.com/taskfleet/taskfleet/internal/pkg/encoding/json"
	"github.com/taskfleet/taskfleet/internal/pkg/log"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/signal"
	"github.com/taskfleet/taskfleet/internal/pkg/service/scheduler/task"
)

// NodeTaskInformation is the task inventory of one node, broadcast over the
// sync topic under the node id key.
type NodeTaskInformation struct {
	NodeID string             `json:"nodeId"`
	Tasks  []task.Information `json:"tasks"`
}

// nodeInfoHandler aggregates the task inventories of all observed nodes and
// publishes the own one. It surfaces cluster-wide task placement, it takes no
// part in claim decisions.
type nodeInfoHandler struct {
	node   *Node
	logger log.Logger

	mutex    sync.Mutex
	lastSent string
	peers    map[string]NodeTaskInformation
}

func newNodeInfoHandler(n *Node) *nodeInfoHandler {
	return &nodeInfoHandler{
		node:   n,
		logger: n.logger.AddPrefix("[nodeinfo]"),
		peers:  make(map[string]NodeTaskInformation),
	}
}

// onDoHeartbeat publishes the own inventory, the own DOHEARTBEAT echo
// included. The document is only sent if it changed since the last broadcast.
func (h *nodeInfoHandler) onDoHeartbeat(s signal.Signal) {
	document := json.MustEncodeString(h.node.NodeInformation(), false)

	h.mutex.Lock()
	changed := document != h.lastSent
	if changed {
		h.lastSent = document
	}
	h.mutex.Unlock()

	if changed {
		h.node.sender.sendNodeInformation(h.node.ctx, []byte(document))
	}
}

// onNodeInformation stores the observed inventory of a peer, or of this node.
func (h *nodeInfoHandler) onNodeInformation(info NodeTaskInformation) {
	h.logger.Debugf(`received task inventory of node "%s", %d tasks`, info.NodeID, len(info.Tasks))
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.peers[info.NodeID] = info
}

// ClusterState returns the last received inventory per node.
func (h *nodeInfoHandler) ClusterState() map[string]NodeTaskInformation {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	out := make(map[string]NodeTaskInformation, len(h.peers))
	for nodeID, info := range h.peers {
		out[nodeID] = info
	}
	return out
}
