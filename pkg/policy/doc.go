// Package policy evaluates Open Policy Agent (OPA) policies for the audit service.
//
// The service uses policies to decide whether an outbound webhook destination
// may be contacted. The built-in webhook-egress policy rejects destinations
// that resolve to loopback, private, link-local, multicast or cloud metadata
// addresses, plain http unless explicitly allowed, and hosts outside an
// optional allow list.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := engine.EvaluateEgress(ctx, policy.EgressInput{
//	    URL:       "https://hooks.example.com/audit",
//	    Scheme:    "https",
//	    Host:      "hooks.example.com",
//	    Addresses: []string{"93.184.216.34"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !decision.Allowed {
//	    fmt.Println(decision.Reason())
//	}
//
// # Custom Policies
//
// Additional policies are loaded from .rego or .json files. Each policy must
// define a deny set in Rego v1 syntax; its members are either strings or
// objects with message and severity fields:
//
//	package custom.egress
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.event == "audit.failed"
//	    input.host == "hooks.partner.example"
//	    msg := "partner does not receive failure notifications"
//	}
//
// Violations with severity error or critical block the destination. Lower
// severities are reported as warnings.
//
// # Hot Reload
//
// Engine.Watch watches the policy paths with fsnotify. Changes are debounced
// and the full custom set is recompiled and swapped in. A reload that fails to
// compile leaves the previous set in place. Built-in policies are never
// removed by a reload.
package policy
