package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		webhookEgressPolicy(),
	}
}

// webhookEgressPolicy rejects webhook destinations that could reach internal services.
func webhookEgressPolicy() Policy {
	return Policy{
		Name:        "webhook-egress",
		Description: "Rejects webhook destinations on private, loopback, link-local or metadata addresses",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package webhook.egress

import rego.v1

blocked_cidrs := [
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
]

blocked_hosts := {
	"localhost",
	"metadata",
	"metadata.google.internal",
	"instance-data",
}

deny contains msg if {
	not input.scheme in {"http", "https"}
	msg := sprintf("scheme %s is not allowed", [input.scheme])
}

deny contains msg if {
	input.scheme == "http"
	not input.options.allow_http
	msg := "plain http destinations are not allowed"
}

deny contains msg if {
	input.host == ""
	msg := "destination has no host"
}

deny contains msg if {
	not input.options.allow_private
	lower(input.host) in blocked_hosts
	msg := sprintf("host %s is not allowed", [input.host])
}

deny contains msg if {
	not input.options.allow_private
	endswith(lower(input.host), ".internal")
	msg := sprintf("host %s is not allowed", [input.host])
}

deny contains msg if {
	count(input.addresses) == 0
	msg := sprintf("host %s did not resolve", [input.host])
}

deny contains msg if {
	not input.options.allow_private
	some ip in input.addresses
	some cidr in blocked_cidrs
	net.cidr_contains(cidr, ip)
	msg := sprintf("address %s of host %s is in blocked range %s", [ip, input.host, cidr])
}

deny contains msg if {
	count(input.options.allowed_hosts) > 0
	not lower(input.host) in {lower(h) | some h in input.options.allowed_hosts}
	msg := sprintf("host %s is not in the allow list", [input.host])
}
`,
	}
}
