// Package metrics registers the process-wide counters this core needs to
// observe: slot-write churn, retry escalation, unexpected errors, remote
// request latency, and queue depth.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SlotWrites counts every TenantSlot mutation, for alerting on
	// unexpected churn.
	SlotWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pageserver_tenant_slot_writes_total",
		Help: "Number of TenantSlot mutations in the tenants map.",
	})

	// RetriesEscalated counts upload-queue op retries that crossed the
	// warn-level threshold.
	RetriesEscalated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pageserver_upload_retries_escalated_total",
		Help: "Upload queue operation retries that crossed the warning threshold.",
	})

	// UnexpectedErrors is the counter for panics recovered inside async
	// tasks. No task in this module recovers panics, and nothing
	// increments it.
	UnexpectedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pageserver_unexpected_errors_total",
		Help: "Panics recovered inside background tasks.",
	})

	// RemoteOpDuration is a per-request latency histogram by operation kind
	// and outcome. Nothing in this module records into it.
	RemoteOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "pageserver_remote_op_duration_seconds",
		Help: "Remote storage adapter request latency by kind and outcome.",
	}, []string{"kind", "outcome"})

	// QueueDepth is a per-timeline gauge of queued (not yet in-progress)
	// upload ops. Nothing in this module sets it.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pageserver_upload_queue_depth",
		Help: "Queued (not in-progress) upload queue operations.",
	}, []string{"tenant_shard", "timeline"})
)

func init() {
	prometheus.MustRegister(SlotWrites, RetriesEscalated, UnexpectedErrors, RemoteOpDuration, QueueDepth)
}
