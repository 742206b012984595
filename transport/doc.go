// Package transport provides implementations of the core.Transport interface:
// an in-memory bus for tests and local development, and a circuit-breaker
// publish decorator. A RabbitMQ-backed implementation lives in the rabbitmq
// subpackage so minimal builds do not pull the AMQP dependency.
//
// Queue-group subscriptions implement competing consumers: each published
// envelope reaches exactly one member per group. Subscriptions without a
// queue group are broadcast and receive every envelope. Negative
// acknowledgement triggers redelivery, bounded by a max-delivery count after
// which the envelope is routed to the dead-letter destination.
package transport
