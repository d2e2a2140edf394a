package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of an order.
type State string

const (
	StateOpen                         State = "OPEN"
	StateSpawning                     State = "SPAWNING"
	StatePending                      State = "PENDING"
	StateFulfilled                    State = "FULFILLED"
	StateStopping                     State = "STOPPING"
	StateStopped                      State = "STOPPED"
	StateFailed                       State = "FAILED"
	StateFailedAfterSuccessfulRequest State = "FAILED_AFTER_SUCCESSFUL_REQUEST"
	StateUnableToCheckStatus          State = "UNABLE_TO_CHECK_STATUS"
	StateClosed                       State = "CLOSED"
)

// States lists every lifecycle state. The registry keeps one queue per entry.
var States = []State{
	StateOpen,
	StateSpawning,
	StatePending,
	StateFulfilled,
	StateStopping,
	StateStopped,
	StateFailed,
	StateFailedAfterSuccessfulRequest,
	StateUnableToCheckStatus,
	StateClosed,
}

// ResourceType identifies the kind of cloud resource an order requests.
type ResourceType string

const (
	ResourceCompute    ResourceType = "COMPUTE"
	ResourceNetwork    ResourceType = "NETWORK"
	ResourceVolume     ResourceType = "VOLUME"
	ResourceAttachment ResourceType = "ATTACHMENT"
	ResourcePublicIP   ResourceType = "PUBLIC_IP"
)

// SystemUser identifies the principal that owns an order. The MemberID is the
// federation member the user authenticated against.
type SystemUser struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name,omitempty"`
	MemberID string `json:"member_id" validate:"required"`
}

// Equals reports whether two principals denote the same identity.
func (u SystemUser) Equals(other SystemUser) bool {
	return u.ID == other.ID && u.MemberID == other.MemberID
}

// ComputeSpec holds the requested attributes of a COMPUTE order.
type ComputeSpec struct {
	Name       string   `json:"name,omitempty"`
	VCPU       int      `json:"vcpu" validate:"gt=0"`
	RAMMB      int      `json:"ram_mb" validate:"gt=0"`
	DiskGB     int      `json:"disk_gb" validate:"gte=0"`
	ImageID    string   `json:"image_id" validate:"required"`
	PublicKey  string   `json:"public_key,omitempty"`
	NetworkIDs []string `json:"network_ids,omitempty"`
	UserData   string   `json:"user_data,omitempty"`
}

// NetworkSpec holds the requested attributes of a NETWORK order.
type NetworkSpec struct {
	Name           string `json:"name,omitempty"`
	CIDR           string `json:"cidr" validate:"required,cidr"`
	Gateway        string `json:"gateway,omitempty"`
	AllocationMode string `json:"allocation_mode,omitempty" validate:"omitempty,oneof=dynamic static"`
}

// VolumeSpec holds the requested attributes of a VOLUME order.
type VolumeSpec struct {
	Name   string `json:"name,omitempty"`
	SizeGB int    `json:"size_gb" validate:"gt=0"`
}

// AttachmentSpec links a volume order to a compute order.
type AttachmentSpec struct {
	ComputeOrderID string `json:"compute_order_id" validate:"required"`
	VolumeOrderID  string `json:"volume_order_id" validate:"required"`
	Device         string `json:"device,omitempty"`
}

// PublicIPSpec requests a public address for a compute order.
type PublicIPSpec struct {
	ComputeOrderID string `json:"compute_order_id" validate:"required"`
}

// ComputeAllocation records the resources actually allocated by the backend
// for a compute order. On remote orders it is copied forward from the
// provider's snapshot.
type ComputeAllocation struct {
	VCPU      int `json:"vcpu"`
	RAMMB     int `json:"ram_mb"`
	DiskGB    int `json:"disk_gb"`
	Instances int `json:"instances"`
}

// Order is the unit of requested resource and its lifecycle record.
//
// Identity fields (ID, Type, Requester, Provider, SystemUser) are immutable
// after activation. State is mutated only by the engine transitioner while
// the order lock is held. InstanceID is only ever set at the providing
// member.
type Order struct {
	// mu is a pointer so snapshots of the order can travel by value over
	// the wire without copying a lock. It is allocated by NewOrder and by
	// the transitioner before the order is ever shared.
	mu *sync.Mutex

	ID         string       `json:"id"`
	Type       ResourceType `json:"type"`
	Requester  string       `json:"requester"`
	Provider   string       `json:"provider"`
	CloudName  string       `json:"cloud_name"`
	SystemUser SystemUser   `json:"system_user"`
	State      State        `json:"state"`

	InstanceID          string `json:"instance_id,omitempty"`
	CachedInstanceState string `json:"cached_instance_state,omitempty"`
	OnceFaultMessage    string `json:"fault_message,omitempty"`

	// Dispatched records that the provisioning request reached the backend
	// or the providing member. Orders closed before dispatch need no
	// backend deletion.
	Dispatched bool `json:"dispatched,omitempty"`

	Compute    *ComputeSpec    `json:"compute,omitempty"`
	Network    *NetworkSpec    `json:"network,omitempty"`
	Volume     *VolumeSpec     `json:"volume,omitempty"`
	Attachment *AttachmentSpec `json:"attachment,omitempty"`
	PublicIP   *PublicIPSpec   `json:"public_ip,omitempty"`

	ActualAllocation *ComputeAllocation `json:"actual_allocation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewOrder creates an order of the given type with a fresh id. The caller
// fills in the type-specific spec before activation.
func NewOrder(resourceType ResourceType) *Order {
	now := time.Now().UTC()
	return &Order{
		mu:        &sync.Mutex{},
		ID:        uuid.New().String(),
		Type:      resourceType,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// InitLock allocates the order's mutex when it is missing. Orders rebuilt
// from a wire snapshot or a store record arrive without one; the
// transitioner calls this before the order is shared with any processor.
func (o *Order) InitLock() {
	if o.mu == nil {
		o.mu = &sync.Mutex{}
	}
}

// Lock acquires the order's own mutex. Every read-check-write of the order's
// state and dependent fields must happen under this lock; it is the only
// synchronization primitive shared between processors and request handlers.
func (o *Order) Lock() { o.mu.Lock() }

// Unlock releases the order's mutex.
func (o *Order) Unlock() { o.mu.Unlock() }

// IsProviderLocal reports whether the order is served by the given member.
func (o *Order) IsProviderLocal(localMemberID string) bool {
	return o.Provider == localMemberID
}

// IsProviderRemote reports whether the order is served by another member.
func (o *Order) IsProviderRemote(localMemberID string) bool {
	return o.Provider != "" && o.Provider != localMemberID
}

// IsRequesterRemote reports whether the order originated at another member.
func (o *Order) IsRequesterRemote(localMemberID string) bool {
	return o.Requester != "" && o.Requester != localMemberID
}

// SetFaultMessage records the sticky diagnostic set on permanent failure.
// Only the first message is kept.
func (o *Order) SetFaultMessage(msg string) {
	if o.OnceFaultMessage == "" {
		o.OnceFaultMessage = msg
	}
}

// SpecFor returns the type-specific spec matching the order type, or an
// error when the spec for the declared type is missing.
func (o *Order) SpecFor() (interface{}, error) {
	switch o.Type {
	case ResourceCompute:
		if o.Compute != nil {
			return o.Compute, nil
		}
	case ResourceNetwork:
		if o.Network != nil {
			return o.Network, nil
		}
	case ResourceVolume:
		if o.Volume != nil {
			return o.Volume, nil
		}
	case ResourceAttachment:
		if o.Attachment != nil {
			return o.Attachment, nil
		}
	case ResourcePublicIP:
		if o.PublicIP != nil {
			return o.PublicIP, nil
		}
	default:
		return nil, NewInvalidParameterError(fmt.Sprintf("unknown resource type %q", o.Type), nil)
	}
	return nil, NewInvalidParameterError(fmt.Sprintf("order %s has no %s spec", o.ID, o.Type), nil)
}

// Snapshot returns a copy of the order safe to serialize and ship to a peer.
// The caller must hold the order lock.
func (o *Order) Snapshot() Order {
	return Order{
		ID:                  o.ID,
		Type:                o.Type,
		Requester:           o.Requester,
		Provider:            o.Provider,
		CloudName:           o.CloudName,
		SystemUser:          o.SystemUser,
		State:               o.State,
		InstanceID:          o.InstanceID,
		CachedInstanceState: o.CachedInstanceState,
		OnceFaultMessage:    o.OnceFaultMessage,
		Dispatched:          o.Dispatched,
		Compute:             o.Compute,
		Network:             o.Network,
		Volume:              o.Volume,
		Attachment:          o.Attachment,
		PublicIP:            o.PublicIP,
		ActualAllocation:    o.ActualAllocation,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
	}
}
