package petkit

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petkit_requests_total",
			Help: "PetKit API requests by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petkit_commands_total",
			Help: "Device commands by action and result",
		},
		[]string{"action", "result"},
	)
	loginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petkit_session_login_total",
			Help: "Full logins by result",
		},
		[]string{"result"},
	)
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petkit_session_refresh_total",
			Help: "Session refreshes by result",
		},
		[]string{"result"},
	)
	authRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "petkit_session_rejected_total",
		Help: "Requests answered with an invalid-session response",
	})
	regionRedirects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "petkit_region_redirect_total",
		Help: "Logins that followed the account to another region",
	})
	sessionValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "petkit_session_valid",
		Help: "Session validity (1=valid, 0=invalid)",
	})
	sessionExpiry = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "petkit_session_expiry_timestamp_seconds",
		Help: "Expiry of the current session (unix seconds)",
	})
	eventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "petkit_iot_events_total",
		Help: "Messages received from the PetKit MQTT broker",
	})
	refreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "petkit_refresh_duration_seconds",
		Help:    "Duration of full device refreshes",
		Buckets: prometheus.DefBuckets,
	})
)

// MetricsCollectors returns the package-level request and session collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		requestsTotal,
		commandsTotal,
		loginTotal,
		refreshTotal,
		authRejections,
		regionRedirects,
		sessionValid,
		sessionExpiry,
		eventsTotal,
		refreshDuration,
	}
}

// MetricsCollector exports the client registry as gauges. It reads the
// registry only; polling is the caller's job.
type MetricsCollector struct {
	client *Client

	online        *prometheus.GaugeVec
	lastSeen      *prometheus.GaugeVec
	food          *prometheus.GaugeVec
	desiccantDays *prometheus.GaugeVec
	sandPercent   *prometheus.GaugeVec
	boxFull       *prometheus.GaugeVec
	usedTimes     *prometheus.GaugeVec
	filterPercent *prometheus.GaugeVec
	waterLow      *prometheus.GaugeVec
	humidity      *prometheus.GaugeVec
	liquid        *prometheus.GaugeVec
	petWeight     *prometheus.GaugeVec
	petLastUsage  *prometheus.GaugeVec
}

func NewMetricsCollector(client *Client) *MetricsCollector {
	labels := []string{"device_id", "device_name", "model"}
	hopperLabels := []string{"device_id", "device_name", "model", "hopper"}
	petLabels := []string{"pet_id", "pet_name"}
	return &MetricsCollector{
		client: client,
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_device_online",
			Help: "Device online (1=online, 0=offline)",
		}, labels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_device_last_seen_timestamp_seconds",
			Help: "Last update reported by the cloud (unix seconds)",
		}, labels),
		food: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_feeder_food_level",
			Help: "Feeder hopper food level as reported by the device",
		}, hopperLabels),
		desiccantDays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_feeder_desiccant_left_days",
			Help: "Days left before the desiccant needs replacing",
		}, labels),
		sandPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_litter_sand_percent",
			Help: "Litter level (0-100)",
		}, labels),
		boxFull: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_litter_box_full",
			Help: "Waste bin full (1=full)",
		}, labels),
		usedTimes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_litter_used_times",
			Help: "Litter box uses today",
		}, labels),
		filterPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_fountain_filter_percent",
			Help: "Fountain filter life (0-100)",
		}, labels),
		waterLow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_fountain_water_low",
			Help: "Fountain water low warning (1=low)",
		}, labels),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_purifier_humidity_percent",
			Help: "Relative humidity measured by the purifier",
		}, labels),
		liquid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_purifier_liquid_percent",
			Help: "Purifier liquid level (0-100)",
		}, labels),
		petWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_pet_last_weight_grams",
			Help: "Last weight measured by a litter box",
		}, petLabels),
		petLastUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petkit_pet_last_litter_usage_timestamp_seconds",
			Help: "Last litter box visit (unix seconds)",
		}, petLabels),
	}
}

func (c *MetricsCollector) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.online, c.lastSeen, c.food, c.desiccantDays, c.sandPercent, c.boxFull,
		c.usedTimes, c.filterPercent, c.waterLow, c.humidity, c.liquid,
		c.petWeight, c.petLastUsage,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, vec := range c.vecs() {
		vec.Describe(ch)
	}
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, vec := range c.vecs() {
		vec.Reset()
	}

	entities := c.client.Entities()
	for _, id := range sortedIDs(entities) {
		switch e := entities[id].(type) {
		case Device:
			c.collectDevice(e)
		case *Pet:
			labels := []string{strconv.FormatInt(e.ID, 10), e.Name}
			if e.Stats.LastUsage > 0 {
				c.petWeight.WithLabelValues(labels...).Set(float64(e.Stats.LastWeight))
				c.petLastUsage.WithLabelValues(labels...).Set(float64(e.Stats.LastUsage))
			}
		}
	}

	for _, vec := range c.vecs() {
		vec.Collect(ch)
	}
}

func (c *MetricsCollector) collectDevice(d Device) {
	base := d.Base()
	labels := []string{strconv.FormatInt(base.ID, 10), base.Name, base.DeviceType}
	c.online.WithLabelValues(labels...).Set(boolToFloat(d.Online()))
	if seen, ok := base.LastSeen(); ok {
		c.lastSeen.WithLabelValues(labels...).Set(float64(seen.Unix()))
	}

	switch dev := d.(type) {
	case *Feeder:
		if dev.DualHopper() {
			c.food.WithLabelValues(append(labels, "1")...).Set(float64(dev.State.Food1))
			c.food.WithLabelValues(append(labels, "2")...).Set(float64(dev.State.Food2))
		} else {
			c.food.WithLabelValues(append(labels, "0")...).Set(float64(dev.State.Food))
		}
		c.desiccantDays.WithLabelValues(labels...).Set(float64(dev.State.DesiccantLeftDays))
	case *LitterBox:
		c.sandPercent.WithLabelValues(labels...).Set(float64(dev.State.SandPercent))
		c.boxFull.WithLabelValues(labels...).Set(boolToFloat(dev.State.BoxFull))
		c.usedTimes.WithLabelValues(labels...).Set(float64(dev.State.UsedTimes))
	case *Fountain:
		c.filterPercent.WithLabelValues(labels...).Set(float64(dev.FilterPercent))
		c.waterLow.WithLabelValues(labels...).Set(boolToFloat(dev.LackWarning != 0))
	case *Purifier:
		c.humidity.WithLabelValues(labels...).Set(float64(dev.State.Humidity))
		c.liquid.WithLabelValues(labels...).Set(float64(dev.State.Liquid))
	}
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
