// Package metrics registers the Prometheus collectors shared across the
// core: the event bus, the dispatcher, and the agent pool. Handlers and
// loops increment these directly rather than threading a metrics struct
// through every call, mirroring how the rest of the corpus exposes a single
// process-wide Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventBusDropped counts messages dropped because a subscriber's buffer
	// was full (spec.md §5 EventBus overflow policy: drop-oldest-on-overflow,
	// never block the publisher).
	EventBusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_eventbus_dropped_total",
		Help: "Messages dropped from the event bus because a subscriber's buffer was full.",
	}, []string{"topic"})

	// EventBusPublished counts every message handed to Publish, regardless of
	// whether it was ultimately delivered or dropped.
	EventBusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_eventbus_published_total",
		Help: "Messages published to the event bus.",
	}, []string{"topic"})

	// DispatchOutcomes counts each Dispatcher Phase B attempt by outcome:
	// dispatched, no_agent, bot_missing, acquire_error, assign_error,
	// transport_error.
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_dispatch_outcomes_total",
		Help: "Run dispatch attempts by outcome.",
	}, []string{"outcome"})

	// AgentPoolSize is the gauge for the count of agents by status. It is
	// registered but no code in this repository sets it, so it reports no
	// samples.
	AgentPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botfleet_agent_pool_size",
		Help: "Number of registered agents by status.",
	}, []string{"status"})

	// RunsByStatus is the gauge for the count of runs by status. It is
	// registered but no code in this repository sets it, so it reports no
	// samples.
	RunsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botfleet_runs_by_status",
		Help: "Number of runs by status.",
	}, []string{"status"})

	// StuckRunsRecovered counts runs the janitor force-terminated after
	// exceeding the stuck-run cutoff (spec.md §4.6).
	StuckRunsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_stuck_runs_recovered_total",
		Help: "Runs force-terminated by the janitor's stuck-run sweep.",
	}, []string{})

	// AgentsSweptStale counts agents force-transitioned to OFFLINE by the
	// janitor's liveness sweep (spec.md §4.6).
	AgentsSweptStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_agents_swept_stale_total",
		Help: "Agents transitioned to OFFLINE by the janitor's liveness sweep.",
	}, []string{})
)
