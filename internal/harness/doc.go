// Package harness runs YAML scenarios against the reconcile service.
//
// A scenario drives the same operations devices and operators use and
// records every call and its outcome as a trace. Traces are deterministic
// (fixed clock, in-memory tables) so they can be compared byte for byte
// against golden files.
//
// # Scenario Format
//
//	name: assign_overrides_latest
//	description: "An explicit assignment beats the catalog's latest"
//	config:
//	  version_order: lexical      # or natural
//	  strict_assignments: false
//	setup:
//	  - action: publish
//	    args: { version: "1.0.0", content: "AAA" }
//	flow:
//	  - invoke: resolve
//	    args: { device: "X" }
//	    expect:
//	      case: ok
//	      result: { version: "1.0.0", source: "assigned" }
//	assertions:
//	  - type: final_state
//	    table: devices
//	    key: "X"
//	    expect: { address: "10.0.0.7" }
//
// # Actions
//
//   - publish: version, content, file (defaults to firmware.bin)
//   - report: device, addr, version
//   - assign: device, version
//   - resolve: device
//   - latest
//   - fetch: version
//   - devices
//
// A step's case is "ok" on success and the error code (for example
// E_MISSING_IDENTITY) otherwise. Setup steps must succeed.
//
// # Assertion Types
//
//   - trace_contains: an action was invoked with matching args
//   - trace_order: actions were invoked in the given order
//   - trace_count: an action was invoked exactly N times
//   - final_state: a record in devices, assignments or catalog has the
//     expected fields, or is absent
//
// # Deterministic Testing
//
// The clock starts at testutil.Epoch and advances one second per read.
// Only successful publish, report and assign calls read it, so timestamps
// in a trace follow from the scenario alone.
package harness
