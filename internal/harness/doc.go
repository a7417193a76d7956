// Package harness runs scripted bridge scenarios and checks what the host
// side observed.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	steps:
//	  - create: main
//	    config: { endpoints: ["local"] }
//	  - store_blob: greeting
//	    data: "hello"
//	  - send: main
//	    id: 1
//	    function: stream
//	    params: { count: 2 }
//	  - wait: true
//	    ids: [1]
//	  - destroy: main
//	  - inject: main
//	    id: 1
//	    finished: true
//	    expect_error: dropped
//	assertions:
//	  - type: terminal_once
//	  - type: delivered_count
//	    id: 1
//	    count: 3
//	  - type: response
//	    id: 1
//	    finished: true
//	    params: { count: 2 }
//
// Every step records an outcome: "ok", an error reason such as
// invalid_handle or in_flight, or for inject "queued" and "dropped". A step
// whose outcome differs from its expect_error (or expect_code for create)
// fails the scenario.
//
// # Assertion Types
//
//   - terminal_once: no request finished more often than it was sent
//   - delivered_count: a request received exactly N events
//   - not_delivered: a request received nothing
//   - response: one event of a request matches type, finished and params
//   - journal: N journaled events carry a disposition
//
// # Deterministic Testing
//
// Scenarios run over the loopback library with a fresh in-memory SQLite
// journal and sequential blob handles (blob-1, blob-2, ...). Events are only
// delivered during wait steps and after the last step, on the harness
// goroutine. The trace groups delivered events by request id, so goroutine
// scheduling inside the native library does not change golden files.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/ping.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
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
