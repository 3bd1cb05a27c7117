// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics declares the Prometheus collectors shared by the
// relay pool, the notification pipeline and the direct-message
// connection. Collectors register with the default registry; the CLI
// serves them with promhttp when metrics_address is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts relay events handed to a pipeline, by
	// event kind.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrsync_events_received_total",
			Help: "Relay events handed to the notification pipeline",
		},
		[]string{"kind"},
	)

	// EventsDropped counts events that did not reach observers, by
	// reason: ignored_kind, unwrap_failed, untrusted, decode_failed,
	// duplicate.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrsync_events_dropped_total",
			Help: "Relay events that did not produce a delivered message",
		},
		[]string{"reason"},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nostrsync_messages_delivered_total",
			Help: "Direct messages delivered to observers",
		},
	)

	UntrustedBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nostrsync_untrusted_buffered",
			Help: "Events waiting in untrusted buffers",
		},
	)

	RelaysConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nostrsync_relays_connected",
			Help: "Relays connected after the most recent pool check",
		},
	)

	PoolConnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nostrsync_pool_connect_attempts_total",
			Help: "Times the relay pool added relays and reconnected",
		},
	)

	// MessagesSent counts outbound messages by outcome: relayed,
	// local, failed.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrsync_messages_sent_total",
			Help: "Outbound direct messages",
		},
		[]string{"outcome"},
	)
)
