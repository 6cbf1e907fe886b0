package server

import (
	"errors"

	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

// BootParams is the boot configuration served to a booting node
type BootParams struct {
	BootParams     map[string]string `json:"boot_params"`
	KernelFlags    map[string]string `json:"kernel_flags"`
	BootModules    []string          `json:"boot_modules"`
	BootPlatform   string            `json:"boot_platform,omitempty"`
	DefaultConsole string            `json:"default_console,omitempty"`
	Serial         string            `json:"serial,omitempty"`
}

// SetDefaultBootParams writes boot configuration onto the sentinel
// default record. Only boot configuration fields are accepted; the
// sentinel is mutated solely through this call.
func (s *Store) SetDefaultBootParams(props Props) (*types.Server, *Results, error) {
	filtered, _ := filterAllowlist(props, bootOnly)
	return s.Upsert(types.DefaultServerUUID, filtered, UpsertOptions{
		AllowCreate: true,
	})
}

// GetBootParams resolves the boot configuration for a server: the
// sentinel's defaults overlaid with the server's own settings. Passing
// the sentinel uuid returns the defaults themselves.
func (s *Store) GetBootParams(uuid string) (*BootParams, error) {
	defaults := &types.Server{}
	_, err := s.store.GetObject(storage.BucketServers, types.DefaultServerUUID, defaults)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if uuid == types.DefaultServerUUID {
		return bootParamsFrom(defaults, nil), nil
	}

	server, err := s.Get(uuid)
	if err != nil {
		return nil, err
	}
	return bootParamsFrom(defaults, server), nil
}

// bootParamsFrom merges defaults with a server's own boot settings;
// the server wins on key collisions and non-empty scalars
func bootParamsFrom(defaults, server *types.Server) *BootParams {
	out := &BootParams{
		BootParams:     map[string]string{},
		KernelFlags:    map[string]string{},
		BootPlatform:   defaults.BootPlatform,
		DefaultConsole: defaults.DefaultConsole,
		Serial:         defaults.Serial,
	}
	for k, v := range defaults.BootParams {
		out.BootParams[k] = v
	}
	for k, v := range defaults.KernelFlags {
		out.KernelFlags[k] = v
	}
	out.BootModules = append(out.BootModules, defaults.BootModules...)

	if server == nil {
		return out
	}
	for k, v := range server.BootParams {
		out.BootParams[k] = v
	}
	for k, v := range server.KernelFlags {
		out.KernelFlags[k] = v
	}
	out.BootModules = append(out.BootModules, server.BootModules...)
	if server.BootPlatform != "" {
		out.BootPlatform = server.BootPlatform
	}
	if server.DefaultConsole != "" {
		out.DefaultConsole = server.DefaultConsole
	}
	if server.Serial != "" {
		out.Serial = server.Serial
	}
	return out
}
