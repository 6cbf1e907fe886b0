// Package config loads CNAPI's typed YAML configuration. Every
// recognized key is a struct field; unknown keys are rejected at parse
// time rather than silently ignored. Defaults match the documented
// operating values (5s reconcile period, 11s heartbeat lifetime, 500ms
// waitlist poll, agent port 5309).
package config
