package metrics

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shuttle-slots/internal/model"
)

type Collector struct {
	reg *prometheus.Registry

	Allocations        *prometheus.CounterVec // outcome label: direct|waitlist|rejected|duplicate
	Transitions        *prometheus.CounterVec // state label: target state
	InvalidTransitions prometheus.Counter
	Promotions         prometheus.Counter
	Deviations         *prometheus.CounterVec // change label: opened|closed
	Positions          *prometheus.CounterVec // origin label: user|vehicle
	NoDetermination    prometheus.Counter
	IngestDropped      *prometheus.CounterVec // reason label: decode|invalid|error
	Fills              *prometheus.CounterVec // mode label: manual|automatic

	CatalogRefreshes  *prometheus.CounterVec // result label: ok|error
	CatalogDepartures prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	OpDuration      *prometheus.HistogramVec // op label
	PublishDuration prometheus.Histogram

	ConfirmationRadius prometheus.Gauge // meters
	DeviationRadius    prometheus.Gauge // meters
	SweepInterval      prometheus.Gauge // seconds
}

func NewCollector(confirmationRadius, deviationRadius float64, sweepInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_allocations_total",
			Help: "Slot requests by outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_transitions_total",
			Help: "Applied slot transitions by target state.",
		}, []string{"state"}),
		InvalidTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slots_invalid_transitions_total",
			Help: "Rejected slot transitions.",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slots_promotions_total",
			Help: "Waitlisted slots promoted to direct.",
		}),
		Deviations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_deviations_total",
			Help: "Route deviation records opened and closed.",
		}, []string{"change"}),
		Positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_positions_total",
			Help: "Recorded position readings by origin.",
		}, []string{"origin"}),
		NoDetermination: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slots_geofence_no_determination_total",
			Help: "Readings evaluated without any reference point.",
		}),
		IngestDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_ingest_dropped_total",
			Help: "Position messages dropped by the ingest subscriber.",
		}, []string{"reason"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_fills_total",
			Help: "Route fill records by mode.",
		}, []string{"mode"}),
		CatalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slots_catalog_refreshes_total",
			Help: "Catalog seed refreshes by result.",
		}, []string{"result"}),
		CatalogDepartures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slots_catalog_departures",
			Help: "Departures written by the last successful catalog refresh.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slots_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slots_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slots_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slots_operation_duration_seconds",
			Help:    "Duration of engine operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"op"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slots_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		ConfirmationRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slots_confirmation_radius_meters",
			Help: "Geofence radius for proximity confirmation.",
		}),
		DeviationRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slots_deviation_radius_meters",
			Help: "Distance from the nearest stop beyond which a vehicle is off route.",
		}),
		SweepInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slots_sweep_interval_seconds",
			Help: "Expiry sweep interval in seconds.",
		}),
	}

	// Register
	reg.MustRegister(
		c.Allocations, c.Transitions, c.InvalidTransitions, c.Promotions,
		c.Deviations, c.Positions, c.NoDetermination, c.IngestDropped, c.Fills,
		c.CatalogRefreshes, c.CatalogDepartures,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.OpDuration, c.PublishDuration,
		c.ConfirmationRadius, c.DeviationRadius, c.SweepInterval,
	)

	c.ConfirmationRadius.Set(confirmationRadius)
	c.DeviationRadius.Set(deviationRadius)
	c.SweepInterval.Set(sweepInterval.Seconds())

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

func (c *Collector) AllocationInc(outcome string) { c.Allocations.WithLabelValues(outcome).Inc() }

func (c *Collector) TransitionInc(to model.SlotState) {
	c.Transitions.WithLabelValues(strings.ToLower(string(to))).Inc()
}

func (c *Collector) InvalidTransitionInc()      { c.InvalidTransitions.Inc() }
func (c *Collector) PromotionInc()              { c.Promotions.Inc() }
func (c *Collector) DeviationInc(change string) { c.Deviations.WithLabelValues(change).Inc() }

func (c *Collector) PositionInc(origin model.OriginKind) {
	c.Positions.WithLabelValues(string(origin)).Inc()
}

func (c *Collector) NoDeterminationInc() { c.NoDetermination.Inc() }

func (c *Collector) FillInc(mode model.FillMode) { c.Fills.WithLabelValues(string(mode)).Inc() }

func (c *Collector) OpObserve(op string, d time.Duration) {
	c.OpDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) DroppedInc(reason string) { c.IngestDropped.WithLabelValues(reason).Inc() }

func (c *Collector) CatalogRefreshed(departures int, err error) {
	if err != nil {
		c.CatalogRefreshes.WithLabelValues("error").Inc()
		return
	}
	c.CatalogRefreshes.WithLabelValues("ok").Inc()
	c.CatalogDepartures.Set(float64(departures))
}
