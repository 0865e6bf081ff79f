// Package messaging moves envelopes between services and routes them to handlers.
//
// This package implements the request and reply halves of the relay:
//   - Dispatcher: publishes envelopes, merging the ambient callback header with explicit metadata
//   - Router: resolves an inbound action to its handler, guards side effects, replies on success
//   - Invoker: resolves a reply's method name to a typed call on a callback contract
//   - Subscriber: hosts a Router or Invoker on a queue with bounded concurrency
//
// Every delivery ends in one of four outcomes. Completed and deduplicated
// deliveries are acknowledged, retryable failures are handed back to the
// broker, and fatal failures are dead-lettered.
//
// Example usage:
//
//	router := messaging.NewRouter(
//		messaging.WithIdempotencyGuard(guard),
//		messaging.WithReplyDispatcher(messaging.NewDispatcher(transport.Publisher())),
//	)
//
//	err := messaging.RegisterReply(router, contracts.ActionGenerateSentences,
//		func(ctx context.Context, req GenerateSentences) (Sentences, error) {
//			return generator.Generate(ctx, req)
//		},
//		messaging.WithIdempotencyKey("requestId"),
//	)
//
//	subscriber := messaging.NewSubscriber(transport.Subscriber(), messaging.WithMaxConcurrency(8))
//	err = subscriber.Run(ctx, "work", router)
//
// On the producing side, the reply address travels in the context:
//
//	ctx = routing.WithCallback(ctx, routing.CallbackHeader{ReplyQueue: "replies", ReplyMethod: "SentencesGenerated"})
//	_, err = dispatcher.SendAction(ctx, "work", contracts.ActionGenerateSentences, req)
package messaging
