/*
Package monitoring provides Prometheus metrics for the sandbox service.

# Overview

Metrics cover guest executions, callback dispatch, guest networking, secret
redaction, snapshots, sessions, and the HTTP/WebSocket API. Every recording
method is safe on a nil *Metrics.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	timer := monitoring.NewTimer(metrics, "get_time")
	// ... run callback ...
	timer.Stop("success")
*/
package monitoring
