package main

import (
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
)

// collectFleetMetrics refreshes the fleet-level gauges from the hot working
// set.
func collectFleetMetrics(st *store.StateStore) {
	nodeCounts := map[types.NodeStatus]int{
		types.NodeStatusOffline:     0,
		types.NodeStatusOnline:      0,
		types.NodeStatusMaintenance: 0,
		types.NodeStatusDraining:    0,
		types.NodeStatusSuspended:   0,
	}
	reserved := 0
	for _, node := range st.GetActiveNodes() {
		nodeCounts[node.Status]++
		reserved += node.ReservedComputePoints
	}
	for status, count := range nodeCounts {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	metrics.ComputePointsReserved.Set(float64(reserved))

	vmCounts := make(map[types.VMStatus]int)
	for _, vm := range st.GetActiveVMs() {
		vmCounts[vm.Status]++
	}
	for status, count := range vmCounts {
		metrics.VMsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
