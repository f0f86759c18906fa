// Package metrics holds the Prometheus collectors of the remote control.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jukebox"

var (
	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "remote_sessions_active",
		Help:      "Number of connected remote sessions",
	}, []string{"transport"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_requests_total",
		Help:      "Remote requests by action and response status",
	}, []string{"action", "status"})

	requestsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_requests_ignored_total",
		Help:      "Requests with an action this server does not handle",
	})

	malformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_malformed_frames_total",
		Help:      "Inbound frames dropped because they could not be decoded",
	})

	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_pushes_total",
		Help:      "Push notifications by action and outcome",
	}, []string{"action", "outcome"}) // outcome=sent|dropped

	votesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_total",
		Help:      "Playlist votes by outcome",
	}, []string{"outcome"}) // outcome=accepted|rejected|disabled|not_found
)

func SessionOpened(transport string) {
	sessionsActive.WithLabelValues(transport).Inc()
}

func SessionClosed(transport string) {
	sessionsActive.WithLabelValues(transport).Dec()
}

func RecordRequest(action, status string) {
	requestsTotal.WithLabelValues(action, status).Inc()
}

func RecordIgnoredRequest() {
	requestsIgnored.Inc()
}

func RecordMalformedFrame() {
	malformedFrames.Inc()
}

func RecordPush(action string, sent bool) {
	outcome := "sent"
	if !sent {
		outcome = "dropped"
	}
	pushesTotal.WithLabelValues(action, outcome).Inc()
}

func RecordVote(outcome string) {
	votesTotal.WithLabelValues(outcome).Inc()
}
