// Package rollout drives progressive traffic migration to new model
// versions with automated health evaluation and rollback.
//
// # Strategies
//
// Two rollout kinds are supported:
//
//   - Canary: traffic ramps to the target version through an ascending
//     step ladder (default 5, 10, 25, 50, 100 percent). After each step
//     serves for the evaluation interval, the canary's aggregate metrics
//     are compared against the baseline's over the same window. A failed
//     comparison rolls all traffic back to the baseline in one commit.
//   - Blue-green: the target ("green") deployment is stood up at weight 0
//     while "blue" serves 100%. A passing smoke test gates a single
//     atomic flip to green. Blue stays on standby at weight 0 for a
//     rollback window and the swap auto-reverts on an error-rate breach.
//
// # State machine
//
//	PENDING -> RAMPING(step i) -> EVALUATING -> RAMPING(step i+1)
//	                                         -> SUCCEEDED
//	                                         -> ROLLED_BACK
//	any non-terminal state     -> ABORTED (operator cancel, sample
//	                              starvation, backend failure)
//
// The step index never decreases while the plan is RAMPING or EVALUATING;
// traffic resets to the baseline exactly on ROLLED_BACK or ABORTED.
//
// # Evaluation
//
// Comparisons are relative: (target - baseline) / baseline, with absolute
// fallbacks when the baseline is zero. An evaluation with fewer than the
// configured minimum samples is deferred and re-polled rather than
// failed; a bounded number of consecutive deferrals aborts the rollout
// as inconclusive.
//
// # Concurrency
//
// Exactly one evaluator goroutine runs per plan and performs all state
// transitions. Registry mutations go through versioned copy-on-write
// snapshot commits, so request-path readers always see a fully committed
// weight table. Operator cancellation reuses the rollback path and is
// idempotent.
package rollout
