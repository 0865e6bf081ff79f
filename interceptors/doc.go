// Package interceptors provides middleware for the action router.
//
// Each interceptor is a messaging.MiddlewareFunc and wraps the handler
// invocation of a routed envelope. They compose with Chain and are installed
// with messaging.WithMiddleware:
//
//	router := messaging.NewRouter(messaging.WithMiddleware(
//		interceptors.Logging(logger),
//		interceptors.Conditional(interceptors.ActionIs(contracts.ActionNotifyUser), audit),
//	))
//
// Interceptors run after the envelope is decoded, the payload deserialized
// and the idempotency claim taken. An error they return is classified like a
// handler error and releases the claim.
package interceptors
