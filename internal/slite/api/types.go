package api

import (
	"time"
)

type GpuState string

const (
	GpuFree      GpuState = "free"
	GpuAllocated GpuState = "allocated"
)

// Gpu is a single GPU slot on a node. When allocated, AllocationId identifies
// the owning allocation.
type Gpu struct {
	Id           int      `json:"id"`
	State        GpuState `json:"state"`
	AllocationId string   `json:"allocationId,omitempty"`
}

type StorageKind string

const (
	// StorageShared volumes are network mounts visible from every node.
	StorageShared StorageKind = "shared"
	// StorageLocal volumes are only reachable from the node reporting them.
	StorageLocal StorageKind = "local"
)

type StorageVolume struct {
	Mountpoint  string      `json:"mountpoint"`
	Kind        StorageKind `json:"kind"`
	FreeBytes   int64       `json:"freeBytes"`
	IoSpeedMBps float64     `json:"ioSpeedMBps"`
}

// NodeReport is one report from the external resource monitor describing the
// full observed state of a single node.
type NodeReport struct {
	NodeId     string          `json:"nodeId"`
	Gpus       []Gpu           `json:"gpus"`
	Volumes    []StorageVolume `json:"volumes"`
	GpusByUser map[string]int  `json:"gpusByUser,omitempty"`
	ReportTime time.Time       `json:"reportTime"`
}

func (n *NodeReport) FreeGpuIds() []int {
	ids := []int{}
	for _, gpu := range n.Gpus {
		if gpu.State == GpuFree {
			ids = append(ids, gpu.Id)
		}
	}
	return ids
}

func (n *NodeReport) FreeGpuCount() int {
	return len(n.FreeGpuIds())
}

func (n *NodeReport) DeepCopy() *NodeReport {
	cpy := &NodeReport{
		NodeId:     n.NodeId,
		Gpus:       append([]Gpu{}, n.Gpus...),
		Volumes:    append([]StorageVolume{}, n.Volumes...),
		ReportTime: n.ReportTime,
	}
	if n.GpusByUser != nil {
		cpy.GpusByUser = map[string]int{}
		for user, count := range n.GpusByUser {
			cpy.GpusByUser[user] = count
		}
	}
	return cpy
}

// JobRequest is a single job submission. It is immutable once written by the
// submission client.
type JobRequest struct {
	Id           string        `json:"id"`
	User         string        `json:"user"`
	ScriptPath   string        `json:"scriptPath"`
	GpuCount     int           `json:"gpuCount"`
	StorageKind  StorageKind   `json:"storageKind"`
	StorageBytes int64         `json:"storageBytes"`
	TimeLimit    time.Duration `json:"timeLimit"`
	Submitted    time.Time     `json:"submitted"`
}

type AllocationState string

const (
	AllocationRunning    AllocationState = "running"
	AllocationOverdue    AllocationState = "overdue"
	AllocationCompleted  AllocationState = "completed"
	AllocationTerminated AllocationState = "terminated"
)

// Active allocations hold resources; completed and terminated ones have had
// their resources released.
func (s AllocationState) Active() bool {
	return s == AllocationRunning || s == AllocationOverdue
}

// Allocation binds one job to specific GPU slots and a storage volume on a
// single node. Its id is the id of the job it was created for, so a job can
// never admit twice.
type Allocation struct {
	JobId        string          `json:"jobId"`
	User         string          `json:"user"`
	ScriptPath   string          `json:"scriptPath"`
	NodeId       string          `json:"nodeId"`
	GpuIds       []int           `json:"gpuIds"`
	Mountpoint   string          `json:"mountpoint"`
	StorageBytes int64           `json:"storageBytes"`
	Started      time.Time       `json:"started"`
	TimeLimit    time.Duration   `json:"timeLimit"`
	State        AllocationState `json:"state"`
}

func (a *Allocation) Elapsed(now time.Time) time.Duration {
	return now.Sub(a.Started)
}

func (a *Allocation) ExceededLimit(now time.Time) bool {
	return a.Elapsed(now) >= a.TimeLimit
}

// UserStats is the ranking input for one user: GPU-seconds consumed, decayed
// exponentially over time so old usage stops counting against them.
type UserStats struct {
	User       string    `json:"user"`
	GpuSeconds float64   `json:"gpuSeconds"`
	Updated    time.Time `json:"updated"`
}

// JobStatus is the execution collaborator's view of a dispatched job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusUnknown   JobStatus = "unknown"
)
