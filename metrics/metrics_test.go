package metrics_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jrmarcco/xmux/metrics"
	"github.com/jrmarcco/xmux/mux"
	"github.com/jrmarcco/xmux/mux/muxtest"
	"github.com/jrmarcco/xmux/protocol"
)

func TestCollector_Instrument(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	c := metrics.NewCollector()
	if err := c.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	transport := muxtest.NewTransport()
	s, err := c.Instrument(mux.NewServerBuilder(transport)).Build()
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	if _, err := s.CreateService(7); err != nil {
		t.Fatalf("create service: %v", err)
	}

	a, b := transport.Connect(), transport.Connect()
	if got := gather(t, reg)["xmux_connected_clients"]; got != 2 {
		t.Fatalf("expected 2 connected clients, got %v", got)
	}

	a.Deliver(&protocol.Join{ServiceIDs: []int32{7, 7}})
	a.Deliver(&protocol.Data{ServiceID: 7, Payload: []byte("ok")})
	b.Deliver(&protocol.Data{ServiceID: 7, Payload: []byte("nope")})
	a.Disconnect(mux.ReasonNetworkError, "reset")

	samples := gather(t, reg)
	expected := []struct {
		name string
		want float64
	}{
		{name: "xmux_connected_clients", want: 1},
		{name: `xmux_client_disconnects_total{reason="network_error"}`, want: 1},
		{name: `xmux_service_joins_total{service_id="7"}`, want: 1},
		{name: `xmux_service_leaves_total{reason="network_error",service_id="7"}`, want: 1},
		{name: `xmux_data_delivered_total{service_id="7"}`, want: 1},
		{name: `xmux_data_dropped_total{service_id="7"}`, want: 1},
	}
	for _, e := range expected {
		if got, ok := samples[e.name]; !ok || got != e.want {
			t.Fatalf("%s = %v (present=%v), want %v", e.name, got, ok, e.want)
		}
	}
	for name := range samples {
		if strings.HasPrefix(name, "xmux_consistency_failures_total") {
			t.Fatalf("no consistency failure should be recorded, got %s", name)
		}
	}

	if got, err := testutil.GatherAndCount(reg, "xmux_service_joins_total"); err != nil || got != 1 {
		t.Fatalf("expected one joins series, got %d (%v)", got, err)
	}
}

func TestCollector_DroppedDataLabelsBounded(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	c := metrics.NewCollector()
	if err := c.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	transport := muxtest.NewTransport()
	s, err := c.Instrument(mux.NewServerBuilder(transport)).Build()
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	if _, err := s.CreateService(7); err != nil {
		t.Fatalf("create service: %v", err)
	}

	conn := transport.Connect()
	conn.Deliver(&protocol.Data{ServiceID: 7, Payload: []byte("not joined")})
	for id := int32(1000); id < 6000; id++ {
		conn.Deliver(&protocol.Data{ServiceID: id, Payload: []byte("x")})
	}

	if got, err := testutil.GatherAndCount(reg, "xmux_data_dropped_total"); err != nil || got != 2 {
		t.Fatalf("expected two dropped series, got %d (%v)", got, err)
	}

	samples := gather(t, reg)
	if got := samples[`xmux_data_dropped_total{service_id="unregistered"}`]; got != 5000 {
		t.Fatalf("expected 5000 drops for unregistered ids, got %v", got)
	}
	if got := samples[`xmux_data_dropped_total{service_id="7"}`]; got != 1 {
		t.Fatalf("expected 1 drop for service 7, got %v", got)
	}
}

// gather 把指标展开为 name{label="value",...} -> value。
func gather(t *testing.T, reg prometheus.Gatherer) map[string]float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	res := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			if pairs := m.GetLabel(); len(pairs) > 0 {
				labels := make([]string, 0, len(pairs))
				for _, lp := range pairs {
					labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
				}
				name += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				res[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				res[name] = m.GetGauge().GetValue()
			}
		}
	}
	return res
}

func TestCollector_RegisterTwice(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if err := metrics.NewCollector().Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := metrics.NewCollector().Register(reg)
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRegisteredError, got %v", err)
	}
}
