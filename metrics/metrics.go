// Package metrics 把多路复用服务端的回调接入 Prometheus。
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrmarcco/xmux/mux"
)

const (
	namespace = "xmux"

	unregisteredLabel = "unregistered"
)

// Collector 持有服务端的全部指标。
type Collector struct {
	connectedClients    prometheus.Gauge
	disconnects         *prometheus.CounterVec
	joins               *prometheus.CounterVec
	leaves              *prometheus.CounterVec
	dataDelivered       *prometheus.CounterVec
	dataDropped         *prometheus.CounterVec
	consistencyFailures *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of physical clients currently connected.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Physical client disconnects by reason.",
		}, []string{"reason"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_joins_total",
			Help:      "Clients that became members of a service.",
		}, []string{"service_id"}),
		leaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_leaves_total",
			Help:      "Service members removed, by disconnect reason.",
		}, []string{"service_id", "reason"}),
		dataDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_delivered_total",
			Help:      "Data packets delivered to a service.",
		}, []string{"service_id"}),
		dataDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_dropped_total",
			Help:      "Data packets dropped because the sender had not joined the service.",
		}, []string{"service_id"}),
		consistencyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_failures_total",
			Help:      "Membership bookkeeping mismatches, by operation.",
		}, []string{"op"}),
	}
}

// Register 把全部指标注册到 reg。
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.connectedClients,
		c.disconnects,
		c.joins,
		c.leaves,
		c.dataDelivered,
		c.dataDropped,
		c.consistencyFailures,
	} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("[metrics] failed to register collector: %w", err)
		}
	}
	return nil
}

// Instrument 把指标挂到服务端 builder 的观测回调上。
func (c *Collector) Instrument(b *mux.ServerBuilder) *mux.ServerBuilder {
	return b.
		OnClientConnected(func() {
			c.connectedClients.Inc()
		}).
		OnClientDisconnected(func(reason mux.DisconnectReason) {
			c.connectedClients.Dec()
			c.disconnects.WithLabelValues(reason.String()).Inc()
		}).
		OnJoin(func(serviceID int32) {
			c.joins.WithLabelValues(label(serviceID)).Inc()
		}).
		OnLeave(func(serviceID int32, reason mux.DisconnectReason) {
			c.leaves.WithLabelValues(label(serviceID), reason.String()).Inc()
		}).
		OnDataDelivered(func(serviceID int32) {
			c.dataDelivered.WithLabelValues(label(serviceID)).Inc()
		}).
		OnDataDropped(func(serviceID int32, registered bool) {
			// id 来自远端，未创建的服务统一计入一个标签值。
			if !registered {
				c.dataDropped.WithLabelValues(unregisteredLabel).Inc()
				return
			}
			c.dataDropped.WithLabelValues(label(serviceID)).Inc()
		}).
		OnConsistencyFailure(func(op string) {
			c.consistencyFailures.WithLabelValues(op).Inc()
		})
}

func label(serviceID int32) string {
	return strconv.FormatInt(int64(serviceID), 10)
}
