// Package events provides the in-process change-event broker backing
// CNAPI's /events stream. The server model, heartbeat reconciler,
// waitlist, and task dispatcher publish server/ticket/task transitions;
// subscribers consume them over buffered channels. Delivery is
// best-effort: a slow subscriber drops events rather than blocking the
// publisher.
package events
