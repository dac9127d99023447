// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"errors"
	"fmt"
)

// Specification is the immutable rule set a prison is locked down
// with. It is persisted verbatim in the prison record. For every
// numeric limit, zero means "no limit", never "limit to zero".
type Specification struct {
	// Cells selects the cells to apply. See CellKind.Enabled.
	Cells CellKind `cbor:"cells" yaml:"cells"`

	// MemoryLimitBytes caps the memory of all processes together.
	MemoryLimitBytes int64 `cbor:"memory_limit_bytes" yaml:"memory_limit_bytes"`

	// CPUPercentLimit caps CPU as a percentage of the whole machine.
	CPUPercentLimit int64 `cbor:"cpu_percent_limit" yaml:"cpu_percent_limit"`

	// ActiveProcessLimit caps the number of simultaneously live
	// processes.
	ActiveProcessLimit int `cbor:"active_process_limit" yaml:"active_process_limit"`

	// Priority is the scheduling class. Nil leaves it unset.
	Priority *PriorityClass `cbor:"priority,omitempty" yaml:"priority,omitempty"`

	// DiskQuotaBytes is the block quota on the volume holding HomePath.
	// Negative disables the quota entirely.
	DiskQuotaBytes int64 `cbor:"disk_quota_bytes" yaml:"disk_quota_bytes"`

	// HomePath is the directory the prison is confined to. It holds
	// the principal's profile directory.
	HomePath string `cbor:"home_path" yaml:"home_path"`

	// NetworkOutboundBPS caps the principal's outbound rate in bits
	// per second.
	NetworkOutboundBPS int64 `cbor:"network_outbound_bps" yaml:"network_outbound_bps"`

	// AppPortOutboundBPS caps outbound traffic sourced from URLPort.
	AppPortOutboundBPS int64 `cbor:"app_port_outbound_bps" yaml:"app_port_outbound_bps"`

	// URLPort is the TCP port the principal may listen on. Zero
	// disables the URL ACL and the port throttle.
	URLPort int `cbor:"url_port" yaml:"url_port"`
}

// DiskQuotaEnabled reports whether a disk quota should be set.
func (s Specification) DiskQuotaEnabled() bool {
	return s.DiskQuotaBytes >= 0
}

// Validate checks value ranges. All violations are reported together.
func (s Specification) Validate() error {
	var errs []error
	if s.CPUPercentLimit < 0 || s.CPUPercentLimit > 100 {
		errs = append(errs, fmt.Errorf("cpu_percent_limit %d outside 0..100", s.CPUPercentLimit))
	}
	if s.MemoryLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("memory_limit_bytes %d is negative", s.MemoryLimitBytes))
	}
	if s.ActiveProcessLimit < 0 {
		errs = append(errs, fmt.Errorf("active_process_limit %d is negative", s.ActiveProcessLimit))
	}
	if s.NetworkOutboundBPS < 0 && s.NetworkOutboundBPS != -1 {
		errs = append(errs, fmt.Errorf("network_outbound_bps %d is negative", s.NetworkOutboundBPS))
	}
	if s.AppPortOutboundBPS < 0 && s.AppPortOutboundBPS != -1 {
		errs = append(errs, fmt.Errorf("app_port_outbound_bps %d is negative", s.AppPortOutboundBPS))
	}
	if s.URLPort < 0 || s.URLPort > 65535 {
		errs = append(errs, fmt.Errorf("url_port %d outside 0..65535", s.URLPort))
	}
	if s.Priority != nil && (*s.Priority < Idle || *s.Priority > RealTime) {
		errs = append(errs, fmt.Errorf("priority %d is not a priority class", int(*s.Priority)))
	}
	if s.Cells != None && s.HomePath == "" {
		errs = append(errs, errors.New("home_path is required when cells are enabled"))
	}
	return errors.Join(errs...)
}
