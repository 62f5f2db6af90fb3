// Package engine drives synchronization between the local store and the
// remote sync API.
//
// It contains the three moving parts above the storage layer:
//
//   - Pusher drains the durable mutation queue against the remote API,
//     one entity-id stream at a time, never out of order for the same id;
//   - Puller fetches everything the server knows past the durable
//     watermark;
//   - Orchestrator coordinates Pull -> Merge -> Push, owns the
//     idle/pulling/pushing/error state machine, and is the single place
//     where component errors become observable sync status.
//
// Local reads and writes never wait on any of this: sync failures delay
// convergence, they do not block the app.
package engine
