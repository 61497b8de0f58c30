package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		adapterNamingPolicy(),
		adapterSourcePolicy(),
		sessionIdentifierPolicy(),
	}
}

// adapterNamingPolicy keeps adapter names usable as path segments and
// header values.
func adapterNamingPolicy() Policy {
	return Policy{
		Name:         "adapter-naming",
		Description:  "Adapter names and aliases must be 1-128 characters of letters, digits, '.', '_' or '-'",
		Severity:     SeverityError,
		Enabled:      true,
		Capabilities: []string{"loadAdapter"},
		Rego: `package hostkit.admission.adapter_naming

import rego.v1

valid_name(name) if regex.match("^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$", name)

deny contains violation if {
	name := input.body.name
	is_string(name)
	name != ""
	not valid_name(name)
	violation := {
		"message": sprintf("Adapter name '%s' contains invalid characters or is too long", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	alias := input.headers["x-amzn-sagemaker-adapter-alias"]
	not valid_name(alias)
	violation := {
		"message": sprintf("Adapter alias '%s' contains invalid characters or is too long", [alias]),
		"severity": "error",
	}
}
`,
	}
}

// adapterSourcePolicy warns about adapter sources outside the usual
// locations.
func adapterSourcePolicy() Policy {
	return Policy{
		Name:         "adapter-source",
		Description:  "Adapter sources should be absolute paths or s3:// URIs",
		Severity:     SeverityWarning,
		Enabled:      true,
		Capabilities: []string{"loadAdapter"},
		Rego: `package hostkit.admission.adapter_source

import rego.v1

allowed_source(src) if startswith(src, "/")

allowed_source(src) if startswith(src, "s3://")

deny contains violation if {
	src := input.body.src
	is_string(src)
	src != ""
	not allowed_source(src)
	violation := {
		"message": sprintf("Adapter source '%s' is neither an absolute path nor an s3:// URI", [src]),
		"severity": "warning",
	}
}
`,
	}
}

// sessionIdentifierPolicy rejects session ids that cannot be valid.
func sessionIdentifierPolicy() Policy {
	return Policy{
		Name:        "session-identifier",
		Description: "Session ids must not exceed 256 characters or use the reserved NEW_SESSION value",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package hostkit.admission.session_identifier

import rego.v1

deny contains "Session ID must not exceed 256 characters" if {
	count(input.headers["x-amzn-sagemaker-session-id"]) > 256
}

deny contains "Session ID NEW_SESSION is reserved" if {
	input.headers["x-amzn-sagemaker-session-id"] == "NEW_SESSION"
}
`,
	}
}
