// Package batch coordinates batches of audit runs.
//
// A batch is a set of fiches audited against one configuration. The
// Coordinator keeps the batch in the key-value store: a hash holding the
// counters, a set of fiches still pending, and an index from (config, fiche)
// to the batch id. All keys share the batch TTL.
//
// Run outcomes arrive at least once and from any replica. Each outcome
// removes its fiche from the pending set and increments a counter in one
// atomic step, so a redelivered outcome finds the fiche already gone and is
// ignored. The replica that observes the empty pending set claims
// finalization with a set-if-absent key; only the winner emits
// batch.completed.
//
// Batches that do not finish before their deadline are finalized by Sweep,
// which counts the fiches still pending as failed.
package batch
