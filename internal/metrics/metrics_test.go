package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorCountsAppearInScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDelivery("accepted")
	c.RecordDelivery("accepted")
	c.RecordDelivery("rejected_signature")
	c.RecordTransition("guest_created")
	c.RecordMessageSent()

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		`banter_webhook_deliveries_total{outcome="accepted"} 2`,
		`banter_webhook_deliveries_total{outcome="rejected_signature"} 1`,
		`banter_reconcile_transitions_total{branch="guest_created"} 1`,
		`banter_messages_sent_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape output missing %q:\n%s", want, body)
		}
	}
}

func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector
	c.RecordDelivery("accepted")
	c.RecordTransition("noop")
	c.RecordMessageSent()
}
