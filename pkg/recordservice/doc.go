// Package recordservice is a client for a planner/worker data-access service.
//
// A caller describes what to read with a Request, asks a planner for a plan
// and then executes each resulting Task against one of its worker replicas:
//
//	planner, err := recordservice.ConnectPlanner(ctx, recordservice.PlannerOptions{
//	    Endpoint: recordservice.Endpoint{Hostname: "localhost", Port: 12050},
//	    Dialer:   httprpc.NewDialer(httprpc.Options{}),
//	})
//	if err != nil {
//	    return err
//	}
//	defer planner.Close()
//
//	plan, err := planner.PlanRequest(ctx, recordservice.NewTableScanRequest("sample"))
//
// Records returned by a WorkerClient are a lazy cursor over the task's
// result batches and must be closed:
//
//	records, err := worker.ExecAndFetch(ctx, plan.Tasks[0])
//	if err != nil {
//	    return err
//	}
//	defer records.Close()
//	for records.Next() {
//	    rec := records.Record()
//	    v, err := rec.Long(0)
//	    ...
//	}
//	if err := records.Err(); err != nil {
//	    return err
//	}
//
// Clients are not safe for concurrent use. Run one WorkerClient per task to
// fetch in parallel; ForEachTask does that with a bounded errgroup.
package recordservice
