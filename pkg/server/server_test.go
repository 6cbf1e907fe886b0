package server

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	s := New(Config{
		Store:      bolt,
		Clock:      cnclock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Datacenter: "dc-test",
	})
	return s, bolt
}

func TestUpsertCreatesServer(t *testing.T) {
	s, _ := newTestStore(t)

	server, results, err := s.Upsert("cn1", Props{"hostname": "headnode0"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	assert.Equal(t, "cn1", server.UUID)
	assert.Equal(t, "headnode0", server.Hostname)
	assert.Equal(t, "dc-test", server.Datacenter)
	assert.Equal(t, types.ServerStatusUnknown, server.Status)
	assert.False(t, server.Created.IsZero())
	assert.Equal(t, 1, results.GetObjectNotFound)
	assert.Equal(t, 1, results.PutObjectAttempts)

	got, err := s.Get("cn1")
	require.NoError(t, err)
	assert.Equal(t, "headnode0", got.Hostname)
}

func TestUpsertNoCreate(t *testing.T) {
	s, _ := newTestStore(t)

	_, results, err := s.Upsert("ghost", Props{"status": "running"}, UpsertOptions{AllowCreate: false})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, results.GetObjectNotFound)
	assert.Equal(t, 0, results.PutObjectAttempts)
}

func TestUpsertStripsUnknownKeys(t *testing.T) {
	s, raw := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{
		"hostname":    "cn1",
		"not_a_field": "whatever",
	}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	// The stored JSON must not contain the stripped key
	objs, err := raw.FindObjects(storage.BucketServers, storage.Eq("uuid", "cn1"), storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.NotContains(t, string(objs[0].Data), "not_a_field")
}

func TestUpsertNonUpdatableProtection(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{"hostname": "original"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	// Attempted hostname change is dropped
	server, _, err := s.Upsert("cn1", Props{"hostname": "changed", "reserved": true}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	assert.Equal(t, "original", server.Hostname)
	assert.True(t, server.Reserved)

	// Override permits it
	server, _, err = s.Upsert("cn1", Props{"hostname": "changed"}, UpsertOptions{
		AllowCreate:          true,
		OverrideNonUpdatable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "changed", server.Hostname)
}

func TestUpsertEmptyDiffSkipsWrite(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{"hostname": "cn1"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	// Re-applying the identical property must not write
	_, results, err := s.Upsert("cn1", Props{"hostname": "cn1"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	assert.Equal(t, 0, results.PutObjectAttempts)
}

func TestUpsertDerivesProvisionableMemory(t *testing.T) {
	s, _ := newTestStore(t)

	server, _, err := s.Upsert("cn1", Props{
		"memory_total_bytes": 64 * 1024 * 1024 * 1024,
		"reservation_ratio":  0.15,
		"vms": map[string]interface{}{
			"vm-1": map[string]interface{}{"uuid": "vm-1", "max_physical_memory": 2 * 1024 * 1024 * 1024},
			"vm-2": map[string]interface{}{"uuid": "vm-2", "max_physical_memory": 1024 * 1024 * 1024},
		},
	}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	total := int64(64 * 1024 * 1024 * 1024)
	vms := int64(3 * 1024 * 1024 * 1024)
	expected := int64(math.Floor(float64(total)*(1-0.15))) - vms
	assert.Equal(t, expected, server.MemoryProvisionableBytes)

	// Touching an input recomputes the derivation
	server, _, err = s.Upsert("cn1", Props{"reservation_ratio": 0.5}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	expected = int64(math.Floor(float64(total)*(1-0.5))) - vms
	assert.Equal(t, expected, server.MemoryProvisionableBytes)
}

func TestTransitionalStatusClearing(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{
		"status":              "unknown",
		"transitional_status": "rebooting",
	}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	got, err := s.Get("cn1")
	require.NoError(t, err)
	assert.Equal(t, types.ServerStatusRebooting, got.EffectiveStatus())

	// Recovery to running clears the transitional marker
	server, _, err := s.Upsert("cn1", Props{"status": "running"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	assert.Empty(t, server.TransitionalStatus)
	assert.Equal(t, types.ServerStatusRunning, server.EffectiveStatus())
}

func TestTransitionalStatusClearedByReboot(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{
		"status":    "running",
		"last_boot": "2026-03-01T00:00:00Z",
	}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	_, _, err = s.Upsert("cn1", Props{"transitional_status": "rebooting"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	// last_boot moving while running clears the marker
	server, _, err := s.Upsert("cn1", Props{"last_boot": "2026-03-01T01:00:00Z"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	assert.Empty(t, server.TransitionalStatus)
}

func TestAgentsBackCompatFromSysinfo(t *testing.T) {
	s, _ := newTestStore(t)

	sysinfo := map[string]interface{}{
		"SDC Agents": []interface{}{
			map[string]interface{}{"name": "cn-agent", "version": "2.0.0"},
		},
	}

	server, _, err := s.Upsert("cn1", Props{"sysinfo": sysinfo}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	require.Len(t, server.Agents, 1)
	assert.Equal(t, "cn-agent", server.Agents[0].Name)

	// A populated agents list is never overwritten from sysinfo
	server, _, err = s.Upsert("cn1", Props{
		"agents":  []interface{}{map[string]interface{}{"name": "vm-agent"}},
		"sysinfo": sysinfo,
	}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	require.Len(t, server.Agents, 1)
	assert.Equal(t, "vm-agent", server.Agents[0].Name)
}

func TestUpsertRetriesEtagConflict(t *testing.T) {
	s, raw := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{"hostname": "cn1"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	conflicting := &conflictOnFirstPut{Store: raw}
	s.store = conflicting

	server, results, err := s.Upsert("cn1", Props{"reserved": true}, UpsertOptions{
		AllowCreate: true,
		EtagRetries: 2,
	})
	require.NoError(t, err)
	assert.True(t, server.Reserved)
	assert.Equal(t, 1, results.PutObjectEtagErrors)
	assert.Equal(t, 2, results.PutObjectAttempts)
}

func TestUpsertExhaustsEtagRetries(t *testing.T) {
	s, raw := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{"hostname": "cn1"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	s.store = &alwaysConflictPut{Store: raw}

	_, results, err := s.Upsert("cn1", Props{"reserved": true}, UpsertOptions{AllowCreate: true})
	assert.ErrorIs(t, err, ErrEtagRetriesExhausted)
	assert.Equal(t, 1, results.PutObjectEtagErrors)
}

func TestListExcludesDefaultAndFilters(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.SetDefaultBootParams(Props{"boot_platform": "20260101T000000Z"})
	require.NoError(t, err)

	_, _, err = s.Upsert("cn1", Props{"hostname": "a", "setup": true}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	_, _, err = s.Upsert("cn2", Props{"hostname": "b", "setup": false}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	all, err := s.List(ListFilter{}, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, server := range all {
		assert.NotEqual(t, types.DefaultServerUUID, server.UUID)
	}

	setup := true
	filtered, err := s.List(ListFilter{Setup: &setup}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "cn1", filtered[0].UUID)

	byUUID, err := s.List(ListFilter{UUIDs: []string{"cn2", "nope"}}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, byUUID, 1)
	assert.Equal(t, "cn2", byUUID[0].UUID)
}

func TestListStripsExtras(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{
		"sysinfo": map[string]interface{}{"Live Image": "20260101T000000Z"},
		"vms":     map[string]interface{}{"vm-1": map[string]interface{}{"uuid": "vm-1"}},
	}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	plain, err := s.List(ListFilter{}, ListOptions{})
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Nil(t, plain[0].Sysinfo)
	assert.Nil(t, plain[0].VMs)

	withVMs, err := s.List(ListFilter{}, ListOptions{Extras: []string{"vms"}})
	require.NoError(t, err)
	assert.NotNil(t, withVMs[0].VMs)
	assert.Nil(t, withVMs[0].Sysinfo)

	everything, err := s.List(ListFilter{}, ListOptions{Extras: []string{"all"}})
	require.NoError(t, err)
	assert.NotNil(t, everything[0].Sysinfo)
	assert.NotNil(t, everything[0].VMs)
}

func TestBootParamsMergeDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.SetDefaultBootParams(Props{
		"boot_params":   map[string]string{"console": "serial", "rabbitmq": "guest"},
		"boot_platform": "20260101T000000Z",
	})
	require.NoError(t, err)

	_, _, err = s.Upsert("cn1", Props{
		"boot_params": map[string]string{"console": "vga"},
	}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	params, err := s.GetBootParams("cn1")
	require.NoError(t, err)
	assert.Equal(t, "vga", params.BootParams["console"])
	assert.Equal(t, "guest", params.BootParams["rabbitmq"])
	assert.Equal(t, "20260101T000000Z", params.BootPlatform)

	defaults, err := s.GetBootParams(types.DefaultServerUUID)
	require.NoError(t, err)
	assert.Equal(t, "serial", defaults.BootParams["console"])
}

func TestSetDefaultBootParamsRejectsNonBootFields(t *testing.T) {
	s, _ := newTestStore(t)

	server, _, err := s.SetDefaultBootParams(Props{
		"boot_platform": "20260101T000000Z",
		"status":        "running",
		"hostname":      "sneaky",
	})
	require.NoError(t, err)
	assert.Equal(t, "20260101T000000Z", server.BootPlatform)
	assert.Empty(t, server.Hostname)
	assert.Equal(t, types.ServerStatusUnknown, server.Status)
}

func TestDeleteRemovesServerAndStatusRow(t *testing.T) {
	s, raw := newTestStore(t)

	_, _, err := s.Upsert("cn1", Props{"hostname": "cn1"}, UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
	_, err = raw.PutObject(storage.BucketStatus, "cn1", &types.StatusRow{ServerUUID: "cn1"}, storage.PutOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete("cn1"))

	_, err = s.Get("cn1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = raw.GetObject(storage.BucketStatus, "cn1", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.Delete("cn1"), ErrNotFound)
}

// conflictOnFirstPut fails the first PutObject with an etag conflict
type conflictOnFirstPut struct {
	storage.Store
	failed bool
}

func (c *conflictOnFirstPut) PutObject(bucket, key string, value interface{}, opts storage.PutOptions) (string, error) {
	if !c.failed {
		c.failed = true
		return "", storage.ErrEtagConflict
	}
	return c.Store.PutObject(bucket, key, value, opts)
}

// alwaysConflictPut fails every PutObject with an etag conflict
type alwaysConflictPut struct {
	storage.Store
}

func (c *alwaysConflictPut) PutObject(bucket, key string, value interface{}, opts storage.PutOptions) (string, error) {
	return "", storage.ErrEtagConflict
}
