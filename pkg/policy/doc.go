// Package policy evaluates Open Policy Agent (Rego) admission policies
// against the workstreams of a feature before it is executed.
//
// Each policy is a Rego module whose package defines a deny set. The module
// is evaluated once per workstream with this input:
//
//	{
//	  "feature_id": "F012",
//	  "workstream": {"id": "00-012-01", "tier": "T1", ...},
//	  "workstreams": [ ... every workstream of the feature ... ],
//	  "catalog": {"T1": [{"id": "anthropic/sonnet", "context_capacity": 200000, ...}]}
//	}
//
// Deny entries are strings or objects with "message" and optional
// "severity". Violations with error severity block execution; warnings
// are reported only.
//
// The engine starts with built-in policies for workstream naming, supersede
// targets and tier capacity. More are loaded from .rego files, where a
// "# severity: error" comment sets the severity:
//
//	# Large workstreams must run on the top tier.
//	# severity: error
//	package team.large_on_t0
//
//	deny contains msg if {
//		input.workstream.size == "large"
//		input.workstream.tier != "T0"
//		msg := sprintf("%s is large but routed to %s", [input.workstream.id, input.workstream.tier])
//	}
package policy
