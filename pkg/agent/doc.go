// Package agent provides the foundational types for model-driven sessions in
// the conductor.
//
// This package serves as the shared vocabulary between the orchestrators, the
// session runner, and the worker bridge:
//   - Role and Phase identify what a session is doing and for which lifecycle
//     stage
//   - SessionConfig and ToolContext describe everything needed to start a
//     session, in a form that serializes across the worker process boundary
//   - StreamEvent is the tagged union every consumer sees, whether the session
//     runs in-process or behind a worker
//   - SessionResult is the single terminal record of a session
//
// The client factory assembles provider clients with the full middleware
// chain; orchestration logic lives in pkg/build, pkg/spec, and pkg/qa.
package agent
