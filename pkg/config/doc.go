// Package config loads the auditd service configuration and the audit
// configurations (rubrics) that runs are evaluated against.
//
// Service configuration is read from a YAML file over built-in defaults and
// then overridden by AUDIT_* environment variables:
//
//	cfg, err := config.Load("auditd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opts := cfg.EngineOptions()
//
// Audit configurations live one per file in a directory:
//
//	id: sales-call
//	name: Sales call compliance
//	version: "3"
//	steps:
//	  - position: 1
//	    name: Greeting
//	    prompt: Did the agent introduce themselves and the company?
//	    control_points: [agent name, company name]
//	    weight: 5
//	    critical: true
//	thresholds:
//	  - {tier: EXCELLENT, min: 90}
//
// A Registry serves them as engine.ConfigSource. Each Snapshot call returns a
// deep copy, so a reload never changes the configuration of a run in flight.
// Reloads that fail validation keep the previous set.
package config
