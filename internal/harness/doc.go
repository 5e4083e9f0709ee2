// Package harness provides conformance testing for the recovery
// machine.
//
// The harness compiles an experiment, builds a machine with pinned
// clock and IDs, drives it through a scenario's event sequence, and
// validates the resulting audit trace and final attempt state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	experiment: ../experiments/basic.cue
//	subject: subj-1
//	secret: order-66
//	answers:
//	  - answer: "first pet"
//	guardians: [g1, g2]
//	holders: [h1, h2]
//	steps:
//	  - op: initiate
//	  - op: respond
//	    advance: 10s
//	    answer: "first pet"
//	  - op: approve
//	    guardian: g1
//	  - op: shard
//	    holder: h1
//	    expect_error: DUPLICATE_SHARE_INDEX
//	assertions:
//	  - type: final_status
//	    status: completed
//	  - type: audit_count
//	    kind: guardian_approved
//	    count: 2
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - final_status: the attempt ends in the given status
//   - audit_count: an event kind appears exactly N times in the trace
//   - audit_order: event kinds appear in the trace in the given order
//   - secret: the reconstructed secret equals the given value
//
// # Deterministic Testing
//
// All scenarios execute against pinned nondeterminism so traces are
// identical across runs for golden file comparison:
//
//   - Wall clock pinned at Epoch, advanced only by step "advance"
//   - Sequential ID generator instead of UUIDs
//   - Guardian keypairs derived from guardian identities
//   - In-memory SQLite database (isolated per scenario)
//
// # Usage
//
// Load a scenario:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/happy_path.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Execute and check:
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
