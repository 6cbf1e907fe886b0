package server

import (
	"encoding/json"
	"fmt"

	"github.com/dcfleet/cnapi/pkg/types"
)

// Props is a set of server properties keyed by JSON field name, as
// received from callers. Apply filters it against the allowlist before
// any field reaches a stored record.
type Props map[string]interface{}

// allowlist enumerates every server property a caller may write. It is
// the union of the identity, state, reported, telemetry, and boot
// configuration field groups; anything else is stripped.
var allowlist = map[string]bool{
	// Identity
	"uuid":       true,
	"hostname":   true,
	"datacenter": true,
	"created":    true,

	// State
	"status":              true,
	"transitional_status": true,
	"setup":               true,
	"setting_up":          true,
	"headnode":            true,
	"reserved":            true,
	"reservoir":           true,
	"last_boot":           true,

	// Reported
	"sysinfo": true,
	"agents":  true,
	"vms":     true,

	// Resource telemetry
	"disk_pool_size_bytes":             true,
	"disk_pool_alloc_bytes":            true,
	"disk_system_used_bytes":           true,
	"disk_zone_quota_bytes":            true,
	"disk_zone_quota_used_bytes":       true,
	"disk_kvm_quota_bytes":             true,
	"disk_kvm_quota_used_bytes":        true,
	"disk_kvm_zvol_volsize_bytes":      true,
	"disk_kvm_zvol_used_bytes":         true,
	"disk_cores_quota_bytes":           true,
	"disk_cores_quota_used_bytes":      true,
	"disk_installer_images_used_bytes": true,
	"memory_total_bytes":               true,
	"memory_available_bytes":           true,
	"memory_arc_bytes":                 true,
	"reservation_ratio":                true,

	// Boot configuration
	"boot_params":     true,
	"kernel_flags":    true,
	"boot_modules":    true,
	"boot_platform":   true,
	"default_console": true,
	"serial":          true,
}

// nonUpdatable fields never change after the initial write unless the
// caller asserts OverrideNonUpdatable
var nonUpdatable = []string{"uuid", "hostname", "created"}

// bootOnly restricts what may be written to the sentinel default record
var bootOnly = map[string]bool{
	"boot_params":     true,
	"kernel_flags":    true,
	"boot_modules":    true,
	"boot_platform":   true,
	"default_console": true,
	"serial":          true,
}

// filterAllowlist drops every key outside the allowlist and returns
// the names of the dropped keys
func filterAllowlist(props Props, allowed map[string]bool) (Props, []string) {
	filtered := make(Props, len(props))
	var dropped []string
	for key, val := range props {
		if allowed[key] {
			filtered[key] = val
		} else {
			dropped = append(dropped, key)
		}
	}
	return filtered, dropped
}

// applyProps merges the already-filtered props onto the server record.
// The JSON round trip enforces field typing: a property whose value
// cannot decode into its struct field is a validation error. Map and
// slice properties replace the stored value wholesale rather than
// merging into it.
func applyProps(s *types.Server, props Props) error {
	if len(props) == 0 {
		return nil
	}
	for key := range props {
		switch key {
		case "sysinfo":
			s.Sysinfo = nil
		case "vms":
			s.VMs = nil
		case "agents":
			s.Agents = nil
		case "boot_params":
			s.BootParams = nil
		case "kernel_flags":
			s.KernelFlags = nil
		case "boot_modules":
			s.BootModules = nil
		}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("invalid properties: %w", err)
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return fmt.Errorf("invalid property value: %w", err)
	}
	return nil
}
