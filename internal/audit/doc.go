// Package audit batches traceability events off the hot path. Pipeline components emit
// model.AuditEvent values into a Hub, which never blocks them, and the Hub fans batches
// out to sinks that log, count or persist the events.
package audit
