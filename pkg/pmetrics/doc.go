// Package pmetrics registers Prometheus collectors at init and exposes
// Handler for cmd/pebbl to serve. See metrics.go for the collector list.
package pmetrics
