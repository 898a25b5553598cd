/*
Package metrics provides Prometheus metrics and component health for
backplane.

All collectors are package variables registered with the default registry
in init, so any package can record without wiring:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDuration)
	metrics.SyncTotal.WithLabelValues("ok").Inc()

# Metric Catalog

	backplane_managed_servers{group}                 gauge
	backplane_controlled_manifests{group,server}     gauge
	backplane_sync_total{result}                     counter
	backplane_sync_duration_seconds                  histogram
	backplane_sync_coalesced_total                   counter
	backplane_sync_soft_errors_total{step}           counter
	backplane_manifests_removed_total{kind}          counter
	backplane_group_lock_wait_seconds{mode}          histogram
	backplane_remote_requests_total{op,status}       counter
	backplane_remote_request_duration_seconds{op}    histogram
	backplane_api_requests_total{route,status}       counter
	backplane_api_request_duration_seconds{route}    histogram
	backplane_bulk_operations_total{action,result}   counter
	backplane_reconcile_duration_seconds             histogram
	backplane_reconcile_cycles_total{result}         counter
	backplane_events_published_total{type}           counter

The sync result label is the errdefs kind of the returned error ("ok",
"not_found", "upstream_unreachable", ...), so failure classes can be
alerted on separately.

Gauges are refreshed by a Collector reading from a FleetSource every 15
seconds.

# Health

Components report themselves with RegisterComponent/UpdateComponent.
/health fails if any component is unhealthy; /ready fails until every
critical component (storage and api by default, see
SetCriticalComponents) is registered and healthy; /live always succeeds.
*/
package metrics
