// Package config loads the YAML inputs of the sdp orchestrator: the backend
// catalog, workstream manifests and CLI settings.
//
// # Files
//
// A backend catalog lists the execution backends available per tier:
//
//	tiers:
//	  T0:
//	    - provider: anthropic
//	      model: opus
//	      cost_per_unit: 15
//	      availability: 0.99
//	      context_capacity: 200000
//
// A manifest holds the already-parsed workstreams of one feature, with
// optional explicit edges on top of each workstream's depends_on:
//
//	feature_id: F012
//	workstreams:
//	  - id: 00-012-01
//	    size: small
//	  - id: 00-012-02
//	    tier: T0
//	    depends_on: [00-012-01]
//
// Settings configure the orchestrator, the checkpoint store and telemetry.
// SDP_STATE_DIR, SDP_STORE and LOG_LEVEL override the file.
//
// All files are decoded strictly with gopkg.in/yaml.v3 (unknown keys are
// errors) and checked with go-playground/validator struct tags. Graph
// problems such as cycles or unknown dependencies are reported by the
// engine's resolver, not here.
package config
