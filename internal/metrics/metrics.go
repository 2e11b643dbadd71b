package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "connector_orders_total", Help: "Trade operations by outcome"},
		[]string{"operation", "outcome"},
	)
	BrokerRetcodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "connector_broker_retcodes_total", Help: "Broker return codes seen on order_send"},
		[]string{"retcode"},
	)
	FillingFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "connector_filling_fallbacks_total", Help: "Order resubmissions caused by an unsupported filling mode"},
	)
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "connector_ticks_total", Help: "Ticks ingested into the order-flow accumulator"},
		[]string{"symbol"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "connector_webhook_deliveries_total", Help: "Webhook event deliveries by outcome"},
		[]string{"event_type", "outcome"},
	)
	TerminalReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "connector_terminal_reconnects_total", Help: "Terminal session reinitializations"},
	)
	TerminalConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "connector_terminal_connected", Help: "1 when the terminal session is connected"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersTotal,
		BrokerRetcodes,
		FillingFallbacks,
		TicksTotal,
		WebhookDeliveries,
		TerminalReconnects,
		TerminalConnected,
	)
}

// Handler 暴露默认注册表。
func Handler() http.Handler {
	return promhttp.Handler()
}
