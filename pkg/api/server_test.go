package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/agent"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestServer(t *testing.T) (*Server, *store.StateStore, *obligation.Engine) {
	t.Helper()
	st := store.NewStateStore(nil)
	eng := obligation.NewEngine(obligation.NewStore(), obligation.Config{TickInterval: time.Hour})
	q := nodes.NewCommandQueue(st, eng, agent.NewClient())
	registry := nodes.NewRegistry(st, eng, q, events.NewBroker(nil), nil, true)
	return NewServer(st, registry, q, eng), st, eng
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateVMEnqueuesSchedule(t *testing.T) {
	s, st, eng := newTestServer(t)
	router := s.Router()

	w := doJSON(t, router, http.MethodPost, "/api/vms", CreateVMRequest{
		Name: "alpha",
		Spec: types.VMSpec{
			VirtualCPUCores: 2,
			MemoryBytes:     4294967296,
			DiskBytes:       21474836480,
			QualityTier:     types.TierStandard,
			ImageID:         "ubuntu-24.04",
		},
	}, map[string]string{"X-User-ID": "user-1"})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var vm types.VirtualMachine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vm))
	assert.Equal(t, types.VMStatusPending, vm.Status)
	assert.Equal(t, "user-1", vm.OwnerID)

	stored, err := st.GetVM(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", stored.Name)

	_, ok := eng.Store().FindActive(types.ObligationVMSchedule, "vm", vm.ID)
	assert.True(t, ok)
}

func TestCreateVMRequiresUserAndValidSpec(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router()

	// Missing user header.
	w := doJSON(t, router, http.MethodPost, "/api/vms", CreateVMRequest{Name: "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Invalid spec.
	w = doJSON(t, router, http.MethodPost, "/api/vms", CreateVMRequest{Name: "x"},
		map[string]string{"X-User-ID": "u"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation", body.Code)
}

func TestGetVMNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodGet, "/api/vms/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Code)
}

func TestStopVMConflictsOutsideRunning(t *testing.T) {
	s, st, eng := newTestServer(t)
	router := s.Router()

	require.NoError(t, st.SaveVM(&types.VirtualMachine{ID: "vm1", Status: types.VMStatusStopped}))
	w := doJSON(t, router, http.MethodPost, "/api/vms/vm1/stop", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, st.SaveVM(&types.VirtualMachine{ID: "vm2", OwnerID: "u", Status: types.VMStatusRunning}))
	w = doJSON(t, router, http.MethodPost, "/api/vms/vm2/stop", nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	ob, ok := eng.Store().FindActive(types.ObligationVMStop, "vm", "vm2")
	require.True(t, ok)
	assert.Equal(t, "user requested stop", ob.Data["reason"])
}

func TestStartVMReschedulesStopped(t *testing.T) {
	s, st, eng := newTestServer(t)
	router := s.Router()

	require.NoError(t, st.SaveVM(&types.VirtualMachine{
		ID: "vm1", OwnerID: "u", Status: types.VMStatusStopped,
		NodeID: "n-old", ComputePointCost: 8,
	}))

	w := doJSON(t, router, http.MethodPost, "/api/vms/vm1/start", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	vm, err := st.GetVM("vm1")
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusPending, vm.Status)
	assert.Empty(t, vm.NodeID, "restart goes back through placement")

	_, ok := eng.Store().FindActive(types.ObligationVMSchedule, "vm", "vm1")
	assert.True(t, ok)
}

func TestDeleteVMEnqueuesObligation(t *testing.T) {
	s, st, eng := newTestServer(t)

	require.NoError(t, st.SaveVM(&types.VirtualMachine{ID: "vm1", OwnerID: "u", Status: types.VMStatusRunning}))
	w := doJSON(t, s.Router(), http.MethodDelete, "/api/vms/vm1", nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	_, ok := eng.Store().FindActive(types.ObligationVMDelete, "vm", "vm1")
	assert.True(t, ok)
}

func TestAckEndpointAbsorbsUnknownCommands(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.Router(), http.MethodPost, "/api/nodes/n1/commands/cmd-x/ack",
		types.CommandAcknowledgment{Success: true, CompletedAt: time.Now()}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(t, s.Router(), http.MethodPost, "/api/nodes/ghost/heartbeat",
		nodes.NodeHeartbeat{NodeID: "ghost"},
		map[string]string{"X-Signature": "mock:dev", "X-Timestamp": "0"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeartbeatRateLimit(t *testing.T) {
	s, st, _ := newTestServer(t)
	router := s.Router()

	require.NoError(t, st.SaveNode(&types.Node{
		ID: "n1", WalletAddress: "0x1", Status: types.NodeStatusOnline, LastHeartbeat: time.Now(),
	}))

	var limited bool
	for i := 0; i < 10; i++ {
		w := doJSON(t, router, http.MethodPost, "/api/nodes/n1/heartbeat",
			nodes.NodeHeartbeat{NodeID: "n1"},
			map[string]string{"X-Signature": "mock:dev", "X-Timestamp": "0"})
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst beyond the limiter must be rejected")
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
