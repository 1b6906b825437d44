package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		workstreamIDPolicy(),
		supersedeTargetPolicy(),
		tierCapacityPolicy(),
	}
}

// workstreamIDPolicy flags IDs outside the PP-FFF-SS scheme.
func workstreamIDPolicy() Policy {
	return Policy{
		Name:        "workstream-id",
		Description: "Workstream IDs follow the PP-FFF-SS scheme (e.g. 00-012-01)",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package sdp.policies.workstream_id

deny contains msg if {
	not regex.match("^[0-9]{2}-[0-9]{3}-[0-9]{2}$", input.workstream.id)
	msg := sprintf("workstream %s does not follow the PP-FFF-SS naming scheme", [input.workstream.id])
}
`,
	}
}

// supersedeTargetPolicy rejects superseded_by pointers to unknown workstreams.
func supersedeTargetPolicy() Policy {
	return Policy{
		Name:        "supersede-target",
		Description: "A superseded workstream points at a workstream of the same feature",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package sdp.policies.supersede_target

ids := {ws.id | some ws in input.workstreams}

deny contains msg if {
	target := input.workstream.superseded_by
	not target in ids
	msg := sprintf("workstream %s is superseded by unknown workstream %s", [input.workstream.id, target])
}

deny contains msg if {
	input.workstream.superseded_by == input.workstream.id
	msg := sprintf("workstream %s supersedes itself", [input.workstream.id])
}
`,
	}
}

// tierCapacityPolicy rejects workstreams whose minimum context no backend of
// their tier offers. Workstreams without an explicit tier are routed by size
// and are left to the router.
func tierCapacityPolicy() Policy {
	return Policy{
		Name:        "tier-capacity",
		Description: "Some backend of the workstream's tier offers its minimum context",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package sdp.policies.tier_capacity

deny contains msg if {
	tier := input.workstream.tier
	backends := input.catalog[tier]
	needed := object.get(input.workstream, "min_context", 0)
	every b in backends {
		b.context_capacity < needed
	}
	msg := sprintf("no backend in tier %s offers %d context for workstream %s", [tier, needed, input.workstream.id])
}

deny contains {"message": msg, "severity": "error"} if {
	tier := input.workstream.tier
	count(input.catalog) > 0
	not input.catalog[tier]
	msg := sprintf("workstream %s requires tier %s, which is not in the catalog", [input.workstream.id, tier])
}
`,
	}
}
