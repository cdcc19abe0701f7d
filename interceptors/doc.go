// Package interceptors wraps the processing of inbound envelopes with cross-cutting
// concerns.
//
// An InterceptorChain runs around the handler pipeline of each envelope. Built-in
// interceptors:
//   - LoggingInterceptor: logs each envelope with its outcome and duration
//   - MetricsInterceptor: reports counts, durations and failures to a MetricsCollector
//   - DuplicateDetectionInterceptor: drops envelopes whose id was already processed
//
// Interceptors share per-envelope state through the InterceptorContext stored in the
// context; the bus records the pipeline outcome under DispatchStateKey.
//
// Example usage:
//
//	detector, _ := interceptors.NewLRUDuplicateDetector(10000)
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithDuplicateDetection(detector).
//		Build()
package interceptors
