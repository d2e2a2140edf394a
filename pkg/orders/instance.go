package orders

// InstanceState is the backend-reported status of a provisioned resource.
type InstanceState string

const (
	InstanceDispatched InstanceState = "DISPATCHED"
	InstanceSpawning   InstanceState = "SPAWNING"
	InstanceReady      InstanceState = "READY"
	InstanceStopped    InstanceState = "STOPPED"
	InstanceFailed     InstanceState = "FAILED"
	InstanceBusy       InstanceState = "BUSY"
	InstanceUnknown    InstanceState = "UNKNOWN"
)

// Instance is the broker's view of a concrete backend resource.
type Instance struct {
	ID    string        `json:"id"`
	Type  ResourceType  `json:"type"`
	State InstanceState `json:"state"`

	// Type-specific observations reported by the cloud plugin.
	Name       string             `json:"name,omitempty"`
	IPAddress  string             `json:"ip_address,omitempty"`
	CIDR       string             `json:"cidr,omitempty"`
	SizeGB     int                `json:"size_gb,omitempty"`
	Device     string             `json:"device,omitempty"`
	Allocation *ComputeAllocation `json:"allocation,omitempty"`
	FaultMsg   string             `json:"fault_message,omitempty"`
}

// IsReady reports whether the backend considers the instance usable.
func (i *Instance) IsReady() bool { return i.State == InstanceReady }

// HasFailed reports whether the backend considers the instance failed.
func (i *Instance) HasFailed() bool { return i.State == InstanceFailed }

// IsStopped reports whether the backend considers the instance stopped.
func (i *Instance) IsStopped() bool { return i.State == InstanceStopped }

// Quota describes per-user resource limits and usage at one cloud.
type Quota struct {
	TotalVCPU   int `json:"total_vcpu"`
	TotalRAMMB  int `json:"total_ram_mb"`
	TotalDiskGB int `json:"total_disk_gb"`
	TotalCount  int `json:"total_instances"`
	UsedVCPU    int `json:"used_vcpu"`
	UsedRAMMB   int `json:"used_ram_mb"`
	UsedDiskGB  int `json:"used_disk_gb"`
	UsedCount   int `json:"used_instances"`
}

// Available returns the remaining allocation under the quota.
func (q Quota) Available() ComputeAllocation {
	return ComputeAllocation{
		VCPU:      q.TotalVCPU - q.UsedVCPU,
		RAMMB:     q.TotalRAMMB - q.UsedRAMMB,
		DiskGB:    q.TotalDiskGB - q.UsedDiskGB,
		Instances: q.TotalCount - q.UsedCount,
	}
}

// Image is a bootable image published by a cloud.
type Image struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SizeGB int    `json:"size_gb,omitempty"`
	Status string `json:"status,omitempty"`
}

// SecurityRuleDirection is the traffic direction a rule applies to.
type SecurityRuleDirection string

const (
	DirectionIngress SecurityRuleDirection = "IN"
	DirectionEgress  SecurityRuleDirection = "OUT"
)

// SecurityRule is a firewall rule attached to a network or public IP order.
type SecurityRule struct {
	ID        string                `json:"id,omitempty"`
	Direction SecurityRuleDirection `json:"direction" validate:"required,oneof=IN OUT"`
	Protocol  string                `json:"protocol" validate:"required,oneof=tcp udp icmp any"`
	CIDR      string                `json:"cidr" validate:"required,cidr"`
	PortFrom  int                   `json:"port_from" validate:"gte=0,lte=65535"`
	PortTo    int                   `json:"port_to" validate:"gte=0,lte=65535"`
}
