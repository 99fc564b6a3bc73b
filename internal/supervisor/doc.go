// Package supervisor owns the lifecycle of a single external llama-server
// process. It is structured into small files by concern:
//
//   - service.go: Service, the orchestrator (Start/Stop/LoadModel/UnloadModel).
//   - state.go: StateManager, the single owner of the supervisor State.
//   - process.go: ProcessManager and ProcessHandle (spawn, output, exit, kill).
//   - health.go: HealthChecker (/health probing and readiness wait).
//   - models.go: ModelLoader (/models listing with a filesystem fallback).
//   - retry.go: RetryHandler (bounded exponential backoff).
//   - ports.go, reclaim.go: port probing, binary discovery and reclamation of
//     ports or processes left behind by earlier runs.
//   - api.go: APIProxy for control-plane calls (load/unload model).
//   - args.go: command-line construction from ServerConfig.
//   - errors.go: error types and Is* helpers.
//   - events.go: lifecycle events and publishers.
//
// Collaborators depend on the interfaces declared in interfaces.go; every
// interface has a production implementation here and a fake in the tests.
// External packages should only use Service and the types it returns.
package supervisor
