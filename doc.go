// Package facebridge bridges a face-recognition terminal and a remote
// attendance authority over WebSocket, with a JetStream-backed record
// store in between.
//
// # Architecture
//
// FaceBridge has three moving parts wired by a supervisor:
//
//   - device: an inbound WebSocket server the terminal dials. Every
//     connection passes a credential gate before commands are
//     dispatched. Enrollments, identity updates, deletions and
//     attendance logs land in the record store.
//   - store: face identities and attendance records persisted in
//     JetStream key-value buckets. Attendance records carry a sync
//     status so forwarding survives restarts.
//   - authority + syncer: an outbound WebSocket client to the remote
//     authority and the pipeline that forwards unsynced attendance
//     records through it. The remote correlates responses by command
//     name in FIFO order, so the pipeline forwards one record at a
//     time.
//
// The inbound server is load-bearing. When the authority is
// unreachable or unconfigured the bridge degrades to server-only
// operation: the terminal keeps enrolling and logging, records
// accumulate unsynced, and forwarding resumes when the link returns.
//
// # Packages
//
//   - cmd/facebridge: binary entry point
//   - device: inbound WebSocket server, auth gate, command dispatch
//   - authority: outbound WebSocket client with per-command FIFO
//     response correlation
//   - syncer: attendance forwarding pipeline (catch-up, poll, watch)
//   - store: face and attendance stores over JetStream KV
//   - protocol: wire envelopes shared by both WebSocket surfaces
//   - service: component supervisor and degraded-mode handling
//   - config: JSON configuration with FACEBRIDGE_* env overrides
//   - component, errors, metric, natsclient, pkg/...: shared
//     infrastructure
package facebridge
