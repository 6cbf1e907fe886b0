// Package cnclock provides a small clock abstraction so the heartbeat
// reconciler, waitlist director, and task dispatcher can be tested
// without real sleeps. Production code uses Real; tests use Fake and
// advance it explicitly.
package cnclock
