// Package snapshot holds the scheduler's view of cluster resource state: the
// latest monitor report per node, overlaid with the reservations the scheduler
// itself has made. All reservation state transitions are serialized through a
// single mutex so that a GPU slot can never be handed to two allocations.
package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/torrvision/slite/internal/common/schederrors"
	"github.com/torrvision/slite/internal/common/util"
	"github.com/torrvision/slite/internal/slite/api"
)

// Snapshot is an immutable point-in-time view of the cluster. Nodes contains
// only fresh nodes with reservations applied, sorted by node id; Stale nodes
// are retained for diagnostics but must never be allocated against.
type Snapshot struct {
	Taken time.Time
	Nodes []*api.NodeReport
	Stale []*api.NodeReport
}

func (s *Snapshot) Node(nodeId string) *api.NodeReport {
	for _, node := range s.Nodes {
		if node.NodeId == nodeId {
			return node
		}
	}
	return nil
}

type reservation struct {
	nodeId       string
	gpuIds       []int
	mountpoint   string
	storageBytes int64
}

type Store struct {
	mu                 sync.Mutex
	clock              util.Clock
	stalenessThreshold time.Duration

	nodes        map[string]*api.NodeReport
	reservations map[string]*reservation
}

func NewStore(stalenessThreshold time.Duration, clock util.Clock) *Store {
	return &Store{
		clock:              clock,
		stalenessThreshold: stalenessThreshold,
		nodes:              map[string]*api.NodeReport{},
		reservations:       map[string]*reservation{},
	}
}

// Ingest replaces the stored state for the reported node. Freshness is judged
// on the monitor's own report time, not on ingestion time, so a node whose
// monitor stops reporting goes stale even if the same old report keeps being
// re-ingested.
func (s *Store) Ingest(report *api.NodeReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[report.NodeId] = report.DeepCopy()
}

// Query returns a consistent copy-on-read view of the cluster.
func (s *Store) Query() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	result := &Snapshot{Taken: now}
	for _, node := range s.nodes {
		view := node.DeepCopy()
		s.applyReservations(view)
		if now.Sub(node.ReportTime) > s.stalenessThreshold {
			result.Stale = append(result.Stale, view)
		} else {
			result.Nodes = append(result.Nodes, view)
		}
	}
	sort.Slice(result.Nodes, func(i, j int) bool { return result.Nodes[i].NodeId < result.Nodes[j].NodeId })
	sort.Slice(result.Stale, func(i, j int) bool { return result.Stale[i].NodeId < result.Stale[j].NodeId })
	return result
}

// Reserve atomically marks the allocation's GPU slots and storage as taken.
// It fails with schederrors.ErrConflict if any targeted slot is no longer
// free or the volume no longer has the space, and with ErrStaleNode if the
// node's report has gone stale since the allocation decision was made.
// Reserving an allocation id that already holds a reservation is a no-op.
func (s *Store) Reserve(allocation *api.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[allocation.JobId]; ok {
		return nil
	}

	node, ok := s.nodes[allocation.NodeId]
	if !ok {
		return &schederrors.ErrConflict{NodeId: allocation.NodeId, Reason: "node is not known"}
	}
	now := s.clock.Now()
	if now.Sub(node.ReportTime) > s.stalenessThreshold {
		return &schederrors.ErrStaleNode{
			NodeId:     node.NodeId,
			ReportTime: node.ReportTime,
			Threshold:  s.stalenessThreshold,
		}
	}

	view := node.DeepCopy()
	s.applyReservations(view)

	free := map[int]bool{}
	for _, id := range view.FreeGpuIds() {
		free[id] = true
	}
	for _, gpuId := range allocation.GpuIds {
		if !free[gpuId] {
			return &schederrors.ErrConflict{
				NodeId: allocation.NodeId,
				Reason: fmt.Sprintf("gpu %d is no longer free", gpuId),
			}
		}
	}

	if allocation.StorageBytes > 0 {
		var volume *api.StorageVolume
		for i, v := range view.Volumes {
			if v.Mountpoint == allocation.Mountpoint {
				volume = &view.Volumes[i]
				break
			}
		}
		if volume == nil {
			return &schederrors.ErrConflict{
				NodeId: allocation.NodeId,
				Reason: fmt.Sprintf("volume %s is no longer reported", allocation.Mountpoint),
			}
		}
		if volume.FreeBytes < allocation.StorageBytes {
			return &schederrors.ErrConflict{
				NodeId: allocation.NodeId,
				Reason: fmt.Sprintf("volume %s has %d bytes free, %d requested",
					allocation.Mountpoint, volume.FreeBytes, allocation.StorageBytes),
			}
		}
	}

	s.reservations[allocation.JobId] = &reservation{
		nodeId:       allocation.NodeId,
		gpuIds:       append([]int{}, allocation.GpuIds...),
		mountpoint:   allocation.Mountpoint,
		storageBytes: allocation.StorageBytes,
	}
	return nil
}

// Release returns the allocation's slots and storage to the free pool.
// Releasing an unknown or already released allocation id is a no-op.
func (s *Store) Release(allocationId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, allocationId)
}

// Restore re-creates reservations from durably stored allocations without
// capacity checks, used on startup to reconcile in-memory state with what the
// scheduler had committed to before a restart.
func (s *Store) Restore(allocations []*api.Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allocation := range allocations {
		if !allocation.State.Active() {
			continue
		}
		s.reservations[allocation.JobId] = &reservation{
			nodeId:       allocation.NodeId,
			gpuIds:       append([]int{}, allocation.GpuIds...),
			mountpoint:   allocation.Mountpoint,
			storageBytes: allocation.StorageBytes,
		}
	}
}

// applyReservations overlays the scheduler's reservations onto a copied node
// report. Reservations win over monitor truth: a slot held by an active
// allocation stays allocated even if a lagging report still claims it free.
func (s *Store) applyReservations(node *api.NodeReport) {
	for allocationId, r := range s.reservations {
		if r.nodeId == node.NodeId {
			for _, gpuId := range r.gpuIds {
				for i := range node.Gpus {
					if node.Gpus[i].Id == gpuId {
						node.Gpus[i].State = api.GpuAllocated
						node.Gpus[i].AllocationId = allocationId
					}
				}
			}
		}
		if r.storageBytes == 0 {
			continue
		}
		for i := range node.Volumes {
			if node.Volumes[i].Mountpoint != r.mountpoint {
				continue
			}
			// Shared volumes are visible from every node, so a reservation made
			// through one node reduces the space every node reports for it.
			if r.nodeId != node.NodeId && node.Volumes[i].Kind != api.StorageShared {
				continue
			}
			node.Volumes[i].FreeBytes -= r.storageBytes
			if node.Volumes[i].FreeBytes < 0 {
				node.Volumes[i].FreeBytes = 0
			}
		}
	}
}
