package types

import (
	"time"
)

// ServerStatus represents the liveness state of a compute node
type ServerStatus string

const (
	ServerStatusRunning   ServerStatus = "running"
	ServerStatusUnknown   ServerStatus = "unknown"
	ServerStatusRebooting ServerStatus = "rebooting"
)

// TransitionalStatusRebooting is the only transitional status a server
// may carry. It is surfaced as the effective status only while the
// underlying status is unknown.
const TransitionalStatusRebooting = "rebooting"

// DefaultServerUUID is the key of the sentinel record holding boot
// defaults. It is excluded from server listings.
const DefaultServerUUID = "default"

// Agent describes one agent installed on a compute node
type Agent struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	UUID    string `json:"uuid,omitempty"`
}

// VM is the per-virtual-machine summary a compute node reports
type VM struct {
	UUID              string    `json:"uuid"`
	Brand             string    `json:"brand,omitempty"`
	State             string    `json:"state,omitempty"`
	MaxPhysicalMemory int64     `json:"max_physical_memory"`
	Quota             int64     `json:"quota,omitempty"`
	LastModified      time.Time `json:"last_modified,omitzero"`
}

// Server represents a compute node under management
type Server struct {
	// Identity. Immutable after the initial write unless the caller
	// asserts an override.
	UUID       string    `json:"uuid"`
	Hostname   string    `json:"hostname,omitempty"`
	Datacenter string    `json:"datacenter,omitempty"`
	Created    time.Time `json:"created,omitzero"`

	// State
	Status             ServerStatus `json:"status,omitempty"`
	TransitionalStatus string       `json:"transitional_status,omitempty"`
	Setup              bool         `json:"setup"`
	SettingUp          bool         `json:"setting_up,omitempty"`
	Headnode           bool         `json:"headnode,omitempty"`
	Reserved           bool         `json:"reserved"`
	Reservoir          bool         `json:"reservoir,omitempty"`
	LastBoot           time.Time    `json:"last_boot,omitzero"`

	// Reported by the node's agents
	Sysinfo map[string]interface{} `json:"sysinfo,omitempty"`
	Agents  []Agent                `json:"agents,omitempty"`
	VMs     map[string]VM          `json:"vms,omitempty"`

	// Resource telemetry
	DiskPoolSizeBytes            int64 `json:"disk_pool_size_bytes,omitempty"`
	DiskPoolAllocBytes           int64 `json:"disk_pool_alloc_bytes,omitempty"`
	DiskSystemUsedBytes          int64 `json:"disk_system_used_bytes,omitempty"`
	DiskZoneQuotaBytes           int64 `json:"disk_zone_quota_bytes,omitempty"`
	DiskZoneQuotaUsedBytes       int64 `json:"disk_zone_quota_used_bytes,omitempty"`
	DiskKVMQuotaBytes            int64 `json:"disk_kvm_quota_bytes,omitempty"`
	DiskKVMQuotaUsedBytes        int64 `json:"disk_kvm_quota_used_bytes,omitempty"`
	DiskKVMZvolVolsizeBytes      int64 `json:"disk_kvm_zvol_volsize_bytes,omitempty"`
	DiskKVMZvolUsedBytes         int64 `json:"disk_kvm_zvol_used_bytes,omitempty"`
	DiskCoresQuotaBytes          int64 `json:"disk_cores_quota_bytes,omitempty"`
	DiskCoresQuotaUsedBytes      int64 `json:"disk_cores_quota_used_bytes,omitempty"`
	DiskInstallerImagesUsedBytes int64 `json:"disk_installer_images_used_bytes,omitempty"`

	MemoryTotalBytes         int64   `json:"memory_total_bytes,omitempty"`
	MemoryAvailableBytes     int64   `json:"memory_available_bytes,omitempty"`
	MemoryArcBytes           int64   `json:"memory_arc_bytes,omitempty"`
	MemoryProvisionableBytes int64   `json:"memory_provisionable_bytes,omitempty"`
	ReservationRatio         float64 `json:"reservation_ratio,omitempty"`

	// Boot configuration
	BootParams     map[string]string `json:"boot_params,omitempty"`
	KernelFlags    map[string]string `json:"kernel_flags,omitempty"`
	BootModules    []string          `json:"boot_modules,omitempty"`
	BootPlatform   string            `json:"boot_platform,omitempty"`
	DefaultConsole string            `json:"default_console,omitempty"`
	Serial         string            `json:"serial,omitempty"`
}

// EffectiveStatus applies the transitional-status rule: a server whose
// underlying status is unknown but which is known to be rebooting is
// reported as rebooting.
func (s *Server) EffectiveStatus() ServerStatus {
	if s.Status == ServerStatusUnknown && s.TransitionalStatus == TransitionalStatusRebooting {
		return ServerStatusRebooting
	}
	return s.Status
}

// StatusRow is the shared per-server last-heartbeat record used for
// cross-replica coordination. The writer with the newer last_heartbeat
// wins; rows are never deleted by the reconciler.
type StatusRow struct {
	ServerUUID    string    `json:"server_uuid"`
	CnapiInstance string    `json:"cnapi_instance"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// TicketStatus represents the state of a waitlist ticket
type TicketStatus string

const (
	TicketStatusQueued   TicketStatus = "queued"
	TicketStatusActive   TicketStatus = "active"
	TicketStatusExpired  TicketStatus = "expired"
	TicketStatusFinished TicketStatus = "finished"
)

// Pending reports whether the status counts against the queue
func (s TicketStatus) Pending() bool {
	return s == TicketStatusQueued || s == TicketStatusActive
}

// Terminal reports whether the status is final
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusExpired || s == TicketStatusFinished
}

// Ticket represents a request to hold a named resource lock on a
// compute node, serialized within its (server_uuid, scope, id) triple
type Ticket struct {
	UUID       string                 `json:"uuid"`
	ServerUUID string                 `json:"server_uuid"`
	Scope      string                 `json:"scope"`
	ID         string                 `json:"id"`
	Action     string                 `json:"action,omitempty"`
	Status     TicketStatus           `json:"status"`
	ExpiresAt  time.Time              `json:"expires_at"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ReqID      string                 `json:"reqid,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// TaskState represents the lifecycle state of a dispatched task
type TaskState string

const (
	TaskStateActive   TaskState = "active"
	TaskStateComplete TaskState = "complete"
	TaskStateFailure  TaskState = "failure"
)

// TaskHistoryEntry is one append-only task lifecycle event
type TaskHistoryEntry struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Event     map[string]interface{} `json:"event,omitempty"`
}

// TaskStatus records the lifecycle of a task dispatched to a compute
// node agent
type TaskStatus struct {
	ID         string             `json:"id"`
	ReqID      string             `json:"req_id,omitempty"`
	Task       string             `json:"task"`
	ServerUUID string             `json:"server_uuid"`
	Status     TaskState          `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	History    []TaskHistoryEntry `json:"history,omitempty"`
}
