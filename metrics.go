package plexrpc

import "expvar"

var (
	engineMetrics = new(expvar.Map)

	rpcRequestsCount = new(expvar.Int)
	rpcErrorsCount   = new(expvar.Int)
	rpcTimeoutsCount = new(expvar.Int)
)

func init() {
	engineMetrics.Set("rpc_requests", rpcRequestsCount)
	engineMetrics.Set("rpc_errors", rpcErrorsCount)
	engineMetrics.Set("rpc_timeouts", rpcTimeoutsCount)
}

// EngineMetrics returns a map of exported dispatch metrics for use with the
// expvar package. The map is shared among all engines created by NewEngine.
// The caller is responsible for publishing it to an exporter via
// expvar.Publish or similar.
func EngineMetrics() *expvar.Map { return engineMetrics }
