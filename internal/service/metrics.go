package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sale_transitions_total",
			Help: "Sale transition status changes by resulting status",
		},
		[]string{"status"},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sale_resolutions_total",
			Help: "Conflict resolution attempts by action and result",
		},
		[]string{"action", "result"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sale_notifications_total",
			Help: "Customer notifications by kind and status",
		},
		[]string{"kind", "status"},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sale_rollbacks_total",
			Help: "Checkpoint restores by result",
		},
		[]string{"result"},
	)

	auditFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sale_audit_append_failures_total",
			Help: "Audit entries that could not be persisted",
		},
	)

	conflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sale_conflicts_detected_total",
			Help: "Conflicts found when transitions were initiated, by type and severity",
		},
		[]string{"type", "severity"},
	)
)
