// Package reliability holds the failure handling shared by the transports:
// retry policies for outbound sends, a circuit breaker around broker
// connections and the poison policy that decides when a failing inbound
// message leaves the input queue for the error queue.
//
//	breaker := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(5))
//	err := breaker.Execute(ctx, func() error {
//	    return reliability.Retry(ctx, reliability.DefaultSendPolicy(), publish)
//	})
package reliability
