package ws

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasknotify",
		Subsystem: "socket",
		Name:      "connections",
		Help:      "Number of currently registered websocket connections",
	})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasknotify",
		Subsystem: "socket",
		Name:      "deliveries_total",
		Help:      "Count of events pushed to individual connections",
	}, []string{"event"})

	deliverySkipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasknotify",
		Subsystem: "socket",
		Name:      "delivery_skips_total",
		Help:      "Count of deliveries skipped due to a vanished connection or failed write",
	}, []string{"event", "reason"})
)

func init() {
	for _, collector := range []prometheus.Collector{connectionsGauge, deliveriesTotal, deliverySkipsTotal} {
		if err := prometheus.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
