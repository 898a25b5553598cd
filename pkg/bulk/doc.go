/*
Package bulk runs instance lifecycle actions across managed servers.

A Runner executes independent per-instance operations with bounded
parallelism (errgroup with SetLimit) and returns one Outcome per item;
failures never cancel the remaining items.

Operations resolves the controlling server of every instance, asks that
server to start, stop, install, activate or delete it, and then
synchronizes each server that accepted at least one call exactly once:

	ops := bulk.NewOperations(mgr, bulk.NewRunner(8), broker)
	report, err := ops.Stop(ctx, "acme", []string{"web-1", "web-2", "db"})
	for _, o := range report.Failed() {
		fmt.Println(o.ID, o.Error)
	}

Local deletions of a bulk delete share one repository transaction.
*/
package bulk
