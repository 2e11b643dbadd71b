package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandlerExposesConnectorMetrics(t *testing.T) {
	TicksTotal.WithLabelValues("EURUSD").Inc()
	OrdersTotal.WithLabelValues("open", "success").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"connector_ticks_total", "connector_orders_total", "connector_terminal_connected"} {
		if !found[name] {
			t.Errorf("%s metric not found", name)
		}
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `connector_ticks_total{symbol="EURUSD"}`) {
		t.Fatalf("scrape output missing tick counter")
	}
}
