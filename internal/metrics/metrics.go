package metrics

import "expvar"

// keeper 运行计数，通过 /debug/vars 暴露
var (
	OrdersTriggered = expvar.NewInt("orders_triggered")
	OrdersExecuted  = expvar.NewInt("orders_executed")
	OrdersFailed    = expvar.NewInt("orders_failed")
	PersistErrors   = expvar.NewInt("orders_persist_errors")

	PipelineRuns     = expvar.NewInt("pipeline_runs")
	PipelineAborts   = expvar.NewInt("pipeline_aborts")
	PipelineResumed  = expvar.NewInt("pipeline_resumed")
	AdvisoryFailures = expvar.NewInt("pipeline_advisory_failures")
	ZeroOutputs      = expvar.NewInt("pipeline_zero_outputs")
	DedupRejected    = expvar.NewInt("dedup_rejected")

	PollerChecks     = expvar.NewInt("poller_checks")
	PollerExecutions = expvar.NewInt("poller_executions")
	PollerErrors     = expvar.NewInt("poller_errors")
	PollerActive     = expvar.NewInt("poller_active_orders")

	TxSent     = expvar.NewInt("keeper_tx_sent")
	TxReverted = expvar.NewInt("keeper_tx_reverted")

	OracleErrors = expvar.NewInt("oracle_errors")
)
