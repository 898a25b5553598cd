/*
Package reconciler runs periodic background synchronization.

Every sync.interval the Reconciler calls SynchronizeAll, which visits every
managed server of every instance group. A server that is offline or fails
does not stop the others and does not stop the loop; the cycle is logged
and counted in backplane_reconcile_cycles_total{result}.

	r := reconciler.NewReconciler(mgr, 5*time.Minute)
	r.Start()
	defer r.Stop()

An interval of zero disables the loop. Each cycle is bounded by the
interval, and Stop cancels a running cycle.
*/
package reconciler
