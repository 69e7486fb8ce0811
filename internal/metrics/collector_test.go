package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, fqName string) *prometheus.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == fqName {
			require.Len(t, fam.Metric, 1, "expected exactly one series for %s in this test", fqName)
			return fam.Metric[0]
		}
	}
	t.Fatalf("metric family %s not collected", fqName)
	return nil
}

func TestCollectorReportsQueueGauges(t *testing.T) {
	idx := acdqueue.NewInterfaceIndex()
	store := acdqueue.NewStore(idx, nil, zerolog.Nop())
	loader := &fakeLoader{names: []string{"support"}}
	store.SetStatic(loader, true)
	q, err := store.LoadOrReload(context.Background(), "support")
	require.NoError(t, err)

	m := acdqueue.NewMember("SIP/1001", "Alice", 0)
	q.Members().Insert(m)
	q.Join(&acdqueue.Entry{ChannelID: "c1"})

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(store, nil))

	waiting := gatherFamily(t, reg, "acd_engine_queue_waiting_count")
	require.Equal(t, float64(1), waiting.GetGauge().GetValue())

	members := gatherFamily(t, reg, "acd_engine_queue_member_count")
	require.Equal(t, float64(1), members.GetGauge().GetValue())

	available := gatherFamily(t, reg, "acd_engine_queue_available_member_count")
	require.Equal(t, float64(1), available.GetGauge().GetValue(), "an unpaused, not-in-use member counts as available")
}

func TestCollectorSkipsPersistGaugesWhenDBNil(t *testing.T) {
	idx := acdqueue.NewInterfaceIndex()
	store := acdqueue.NewStore(idx, nil, zerolog.Nop())

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(store, nil))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		require.NotEqual(t, "acd_engine_persist_lsm_size_bytes", fam.GetName())
	}
}

// fakeLoader is a minimal acdqueue.StaticLoader test double.
type fakeLoader struct{ names []string }

func (f *fakeLoader) Names() []string { return f.names }
func (f *fakeLoader) Apply(name string, q *acdqueue.Queue) bool {
	for _, n := range f.names {
		if n == name {
			return true
		}
	}
	return false
}
