// Package emulated implements an in-memory cloud plugin. It provisions no
// real resources: instances become ready after a configurable number of
// status polls. It backs local development deployments and the engine tests.
package emulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fedbroker/fedbroker/pkg/clouds"
	"github.com/fedbroker/fedbroker/pkg/orders"
)

// Config tunes the emulated cloud behavior.
type Config struct {
	// SpawnAfterPolls is how many GetInstance calls an instance stays in
	// SPAWNING before reporting READY.
	SpawnAfterPolls int

	// QuotaPerUser is the per-user compute quota reported by GetUserQuota.
	QuotaPerUser orders.Quota
}

// DefaultConfig returns the defaults used when no emulated section is
// configured.
func DefaultConfig() Config {
	return Config{
		SpawnAfterPolls: 1,
		QuotaPerUser: orders.Quota{
			TotalVCPU:   64,
			TotalRAMMB:  131072,
			TotalDiskGB: 2048,
			TotalCount:  32,
		},
	}
}

type emulatedInstance struct {
	instance orders.Instance
	polls    int
	user     orders.SystemUser
}

// Cloud is the emulated plugin. All state lives in memory and is lost on
// restart, which is fine: the broker re-discovers instance status by polling.
type Cloud struct {
	mu        sync.Mutex
	cfg       Config
	instances map[string]*emulatedInstance
	rules     map[string]orders.SecurityRule
	images    []orders.Image
}

var _ clouds.Plugin = (*Cloud)(nil)

// New creates an emulated cloud with a small fixed image catalog.
func New(cfg Config) *Cloud {
	if cfg.SpawnAfterPolls < 0 {
		cfg.SpawnAfterPolls = 0
	}
	return &Cloud{
		cfg:       cfg,
		instances: make(map[string]*emulatedInstance),
		rules:     make(map[string]orders.SecurityRule),
		images: []orders.Image{
			{ID: "emulated-ubuntu-24.04", Name: "ubuntu-24.04", SizeGB: 4, Status: "active"},
			{ID: "emulated-debian-13", Name: "debian-13", SizeGB: 3, Status: "active"},
		},
	}
}

// RequestInstance records a new emulated instance in SPAWNING state.
func (c *Cloud) RequestInstance(_ context.Context, order *orders.Order, user orders.SystemUser) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if order.Type == orders.ResourceCompute {
		if err := c.checkQuota(user, order.Compute); err != nil {
			return "", err
		}
	}

	id := "emu-" + uuid.New().String()
	inst := orders.Instance{
		ID:    id,
		Type:  order.Type,
		State: orders.InstanceSpawning,
	}
	switch order.Type {
	case orders.ResourceCompute:
		inst.Name = order.Compute.Name
		inst.Allocation = &orders.ComputeAllocation{
			VCPU:      order.Compute.VCPU,
			RAMMB:     order.Compute.RAMMB,
			DiskGB:    order.Compute.DiskGB,
			Instances: 1,
		}
		inst.IPAddress = fmt.Sprintf("10.30.%d.%d", len(c.instances)/250, len(c.instances)%250+2)
	case orders.ResourceNetwork:
		inst.CIDR = order.Network.CIDR
	case orders.ResourceVolume:
		inst.SizeGB = order.Volume.SizeGB
	case orders.ResourceAttachment:
		inst.Device = order.Attachment.Device
	}
	c.instances[id] = &emulatedInstance{instance: inst, user: user}
	return id, nil
}

// GetInstance returns the instance view, flipping SPAWNING to READY once the
// configured poll count has been reached.
func (c *Cloud) GetInstance(_ context.Context, order *orders.Order, _ orders.SystemUser) (*orders.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.instances[order.InstanceID]
	if !ok {
		return nil, orders.NewNotFoundError(fmt.Sprintf("instance %s not found", order.InstanceID), nil).WithOrder(order.ID)
	}
	if entry.instance.State == orders.InstanceSpawning {
		entry.polls++
		if entry.polls >= c.cfg.SpawnAfterPolls {
			entry.instance.State = orders.InstanceReady
		}
	}
	inst := entry.instance
	return &inst, nil
}

// DeleteInstance removes the emulated instance.
func (c *Cloud) DeleteInstance(_ context.Context, order *orders.Order, _ orders.SystemUser) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.instances[order.InstanceID]; !ok {
		return orders.NewNotFoundError(fmt.Sprintf("instance %s not found", order.InstanceID), nil).WithOrder(order.ID)
	}
	delete(c.instances, order.InstanceID)
	return nil
}

// StopInstance marks a compute instance stopped on the next poll.
func (c *Cloud) StopInstance(_ context.Context, order *orders.Order, _ orders.SystemUser) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.instances[order.InstanceID]
	if !ok {
		return orders.NewNotFoundError(fmt.Sprintf("instance %s not found", order.InstanceID), nil).WithOrder(order.ID)
	}
	entry.instance.State = orders.InstanceStopped
	return nil
}

// GetUserQuota reports the configured per-user quota with current usage.
func (c *Cloud) GetUserQuota(_ context.Context, user orders.SystemUser, _ orders.ResourceType) (*orders.Quota, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	quota := c.cfg.QuotaPerUser
	for _, entry := range c.instances {
		if !entry.user.Equals(user) || entry.instance.Allocation == nil {
			continue
		}
		quota.UsedVCPU += entry.instance.Allocation.VCPU
		quota.UsedRAMMB += entry.instance.Allocation.RAMMB
		quota.UsedDiskGB += entry.instance.Allocation.DiskGB
		quota.UsedCount++
	}
	return &quota, nil
}

// GetImage returns one catalog image.
func (c *Cloud) GetImage(_ context.Context, imageID string, _ orders.SystemUser) (*orders.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, img := range c.images {
		if img.ID == imageID {
			image := img
			return &image, nil
		}
	}
	return nil, orders.NewNotFoundError(fmt.Sprintf("image %s not found", imageID), nil)
}

// GetAllImages lists the catalog.
func (c *Cloud) GetAllImages(_ context.Context, _ orders.SystemUser) ([]orders.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]orders.Image, len(c.images))
	copy(out, c.images)
	return out, nil
}

// RequestSecurityRule records a rule and returns its id.
func (c *Cloud) RequestSecurityRule(_ context.Context, _ *orders.Order, rule orders.SecurityRule, _ orders.SystemUser) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rule.ID = "emu-rule-" + uuid.New().String()
	c.rules[rule.ID] = rule
	return rule.ID, nil
}

// GetSecurityRules lists all recorded rules.
func (c *Cloud) GetSecurityRules(_ context.Context, _ *orders.Order, _ orders.SystemUser) ([]orders.SecurityRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]orders.SecurityRule, 0, len(c.rules))
	for _, rule := range c.rules {
		out = append(out, rule)
	}
	return out, nil
}

// DeleteSecurityRule removes a rule by id.
func (c *Cloud) DeleteSecurityRule(_ context.Context, ruleID string, _ orders.SystemUser) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rules[ruleID]; !ok {
		return orders.NewNotFoundError(fmt.Sprintf("security rule %s not found", ruleID), nil)
	}
	delete(c.rules, ruleID)
	return nil
}

// GenericRequest echoes the request; the emulated cloud has no native API.
func (c *Cloud) GenericRequest(_ context.Context, request string, _ orders.SystemUser) (string, error) {
	return fmt.Sprintf(`{"emulated":true,"echo":%q}`, request), nil
}

func (c *Cloud) checkQuota(user orders.SystemUser, spec *orders.ComputeSpec) error {
	if spec == nil {
		return orders.NewInvalidParameterError("compute order without compute spec", nil)
	}
	used := orders.ComputeAllocation{}
	for _, entry := range c.instances {
		if !entry.user.Equals(user) || entry.instance.Allocation == nil {
			continue
		}
		used.VCPU += entry.instance.Allocation.VCPU
		used.RAMMB += entry.instance.Allocation.RAMMB
		used.Instances++
	}
	q := c.cfg.QuotaPerUser
	if used.VCPU+spec.VCPU > q.TotalVCPU || used.RAMMB+spec.RAMMB > q.TotalRAMMB || used.Instances+1 > q.TotalCount {
		return orders.NewNoAvailableResourcesError("user quota exhausted", nil)
	}
	return nil
}
