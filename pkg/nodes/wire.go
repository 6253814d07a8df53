package nodes

import (
	"time"

	"github.com/decloud/orchestrator/pkg/types"
)

// NodeRegistrationRequest is what an agent presents to join the fleet.
type NodeRegistrationRequest struct {
	MachineID     string                  `json:"machineId"`
	WalletAddress string                  `json:"walletAddress"`
	Message       string                  `json:"message"`
	Signature     string                  `json:"signature"`
	Hardware      types.HardwareInventory `json:"hardwareInventory"`
	PublicIP      string                  `json:"publicIp"`
	AgentPort     int                     `json:"agentPort"`
	Region        string                  `json:"region,omitempty"`
	Zone          string                  `json:"zone,omitempty"`
}

// NodeRegistrationResponse returns the node identity, credentials and the
// current policy.
type NodeRegistrationResponse struct {
	NodeID            string                  `json:"nodeId"`
	APIKey            string                  `json:"apiKey"`
	SchedulingConfig  *types.SchedulingConfig `json:"schedulingConfig"`
	DHTBootstrapPeers []string                `json:"dhtBootstrapPeers,omitempty"`
}

// ActiveVMReport is one VM as the node sees it, carried on heartbeats.
type ActiveVMReport struct {
	VMID         string              `json:"vmId"`
	PowerState   types.PowerState    `json:"powerState"`
	PrivateIP    string              `json:"privateIp,omitempty"`
	MACAddress   string              `json:"macAddress,omitempty"`
	PortMappings []types.PortMapping `json:"portMappings,omitempty"`
	ServiceReady bool                `json:"serviceReady"`
}

// NodeHeartbeat is the periodic node report.
type NodeHeartbeat struct {
	NodeID                  string                   `json:"nodeId"`
	Metrics                 types.NodeMetrics        `json:"metrics"`
	AvailableResources      types.AvailableResources `json:"availableResources"`
	SchedulingConfigVersion int                      `json:"schedulingConfigVersion"`
	ActiveVMs               []ActiveVMReport         `json:"activeVms,omitempty"`
	CGNATInfo               *types.CGNATInfo         `json:"cgnatInfo,omitempty"`
	Timestamp               time.Time                `json:"timestamp"`
}

// NodeHeartbeatResponse acknowledges a heartbeat and delivers the node's
// pending commands; the scheduling config rides along only when the node's
// version lags.
type NodeHeartbeatResponse struct {
	Acknowledged     bool                    `json:"acknowledged"`
	PendingCommands  []*types.NodeCommand    `json:"pendingCommands,omitempty"`
	SchedulingConfig *types.SchedulingConfig `json:"schedulingConfig,omitempty"`
}
