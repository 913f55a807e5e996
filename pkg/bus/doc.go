// Package bus carries domain events between engine components with
// at-least-once delivery. Events use the CloudEvents envelope and the event id
// doubles as an idempotency key: publishing an id that was seen recently is a
// no-op. MemoryBus serves single-process deployments and tests, RedisBus uses
// Redis Streams consumer groups so any number of replicas can share the work.
package bus
