// Package publisher provides interfaces for the broker connection lifecycle manager.
//
// This package defines the contracts between the lifecycle manager and the two sides
// it sits between:
//   - Handler: The service logic (clock, feed, transcriber aggregator) that reacts to
//     connection events, periodic ticks, and inbound messages
//   - BrokerClient: The external MQTT client library (connect, disconnect, publish,
//     subscribe, automatic reconnection)
//   - StatusListener: Observers of connection state (health endpoints, metrics)
//
// Connection state machine:
//
//	Idle -> Connecting -> Connected -> Disconnected -> Connecting -> ... -> Stopped
//
// Two goroutines drive a running manager: the client's network goroutine delivers
// connect, disconnect and message callbacks, and the Run goroutine drives the
// periodic OnInterval calls and the stop/maintenance checks. Handlers must be safe
// for use from both.
//
// Example usage:
//
//	cfg := publisher.NewConfig("clock", "broker.local", 8883).
//		WithTopicPrefix("/infr/clock").
//		WithInterval(10 * time.Second)
//	p, err := publisher.NewIntervalPublisher(cfg, logger)
//	if err != nil {
//		return err
//	}
//	// Blocks until Stop() is called, ctx is cancelled or the maintenance window is hit
//	err = p.Run(ctx, handler)
package publisher
