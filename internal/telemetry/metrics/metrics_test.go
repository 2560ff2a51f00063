package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProviderBasic(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "test_counter"}})
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "test_gauge"}})
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "test_hist"}})
	timerCtor := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "test_timer_seconds"}})

	c.Inc(5)
	g.Set(10)
	g.Add(-3)
	h.Observe(123)
	timer := timerCtor()
	timer.ObserveDuration()
	assert.NoError(t, p.Health(nil))
}

func TestPrometheusProviderRegistration(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "events_decoded_total", Help: "total events decoded", Labels: []string{"source"}}})
	c.Inc(1, "src-0")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.MetricsHandler().ServeHTTP(rr, req)
	require.Equal(t, 200, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "delila_events_decoded_total"))
}

func TestPrometheusProviderReusesExistingCollector(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	a := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "queue_drops_total"}})
	b := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "queue_drops_total"}})
	a.Inc(1)
	b.Inc(1)

	rr := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rr.Body.String(), "delila_queue_drops_total 2")
}

func TestPrometheusProviderInvalidNameIsNoop(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: ""}})
	assert.NotPanics(t, func() { c.Inc(1) })
}

func TestPrometheusProviderCardinalityWarning(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{CardinalityLimit: 1})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "labeled_total", Labels: []string{"k"}}})
	c.Inc(1, "a")
	c.Inc(1, "b")
	assert.NoError(t, p.Health(nil))
}
