package state_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasnotifier/internal/models"
	"nasnotifier/internal/state"
)

func TestKnownAddresses(t *testing.T) {
	k := state.NewKnownAddresses()
	addr := netip.MustParseAddr("10.0.0.5")

	assert.True(t, k.IsNew("alice", addr))

	k.Record("alice", addr)
	assert.False(t, k.IsNew("alice", addr))

	// addresses are tracked per user
	assert.True(t, k.IsNew("bob", addr))
	assert.True(t, k.IsNew("alice", netip.MustParseAddr("10.0.0.6")))
}

func TestKnownAddresses_RecordIsIdempotent(t *testing.T) {
	k := state.NewKnownAddresses()
	addr := netip.MustParseAddr("198.51.100.1")

	k.Record("alice", addr)
	assert.Equal(t, 1, k.Len())

	for i := 0; i < 5; i++ {
		k.Record("alice", addr)
	}
	assert.Equal(t, 1, k.Len())
	assert.False(t, k.IsNew("alice", addr))
}

func TestKnownAddresses_MappedIPv4(t *testing.T) {
	k := state.NewKnownAddresses()
	k.Record("alice", netip.MustParseAddr("::ffff:10.0.0.5"))
	assert.False(t, k.IsNew("alice", netip.MustParseAddr("10.0.0.5")))
}

func TestKnownAddresses_Trusted(t *testing.T) {
	trusted := netip.MustParseAddr("192.0.2.10")
	k := state.NewKnownAddresses(trusted)

	assert.False(t, k.IsNew("alice", trusted))
	assert.False(t, k.IsNew("anyone", trusted))
	assert.Equal(t, 0, k.Len())
}

func TestPoolHealthTable(t *testing.T) {
	tests := []struct {
		name      string
		snapshots []models.HealthCode
		want      []bool
	}{
		{"first sighting is silent", []models.HealthCode{models.HealthOnline}, []bool{false}},
		{"same code twice", []models.HealthCode{models.HealthOnline, models.HealthOnline}, []bool{false, false}},
		{"change", []models.HealthCode{models.HealthOnline, models.HealthDegraded}, []bool{false, true}},
		{
			"change then steady then recover",
			[]models.HealthCode{models.HealthOnline, models.HealthDegraded, models.HealthDegraded, models.HealthOnline},
			[]bool{false, true, false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := state.NewPoolHealthTable()
			for i, code := range tt.snapshots {
				_, changed := table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: code})
				assert.Equal(t, tt.want[i], changed, "snapshot %d", i)
			}
			assert.Equal(t, 1, table.Len())
		})
	}
}

func TestPoolHealthTable_Transition(t *testing.T) {
	table := state.NewPoolHealthTable()
	table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: models.HealthOnline})

	tr, changed := table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: models.HealthFaulted})
	assert.True(t, changed)
	assert.Equal(t, models.Transition{Pool: "tank", Old: models.HealthOnline, New: models.HealthFaulted}, tr)

	got, ok := table.Get("tank")
	assert.True(t, ok)
	assert.Equal(t, models.HealthFaulted, got)

	_, ok = table.Get("missing")
	assert.False(t, ok)
}

func TestPoolHealthTable_UnrecognisedHealthComparesText(t *testing.T) {
	table := state.NewPoolHealthTable()
	table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: models.HealthUnknown, Raw: "WOBBLY"})

	_, changed := table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: models.HealthUnknown, Raw: "WOBBLY"})
	assert.False(t, changed)

	tr, changed := table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: models.HealthUnknown, Raw: "SPLIT"})
	require.True(t, changed)
	assert.Equal(t, models.Transition{
		Pool:   "tank",
		Old:    models.HealthUnknown,
		New:    models.HealthUnknown,
		OldRaw: "WOBBLY",
		NewRaw: "SPLIT",
	}, tr)

	tr, changed = table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: models.HealthOnline})
	require.True(t, changed)
	assert.Equal(t, "SPLIT", tr.OldLabel())
	assert.Equal(t, "Online", tr.NewLabel())
}

func TestPoolHealthTable_PoolsAreIndependent(t *testing.T) {
	table := state.NewPoolHealthTable()
	table.Update(models.PoolHealthSnapshot{Pool: "tank", Health: models.HealthOnline})

	_, changed := table.Update(models.PoolHealthSnapshot{Pool: "backup", Health: models.HealthDegraded})
	assert.False(t, changed)
	assert.Equal(t, 2, table.Len())
}
