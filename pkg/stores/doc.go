// Package stores provides checkpoint, escalation and event persistence for
// the orchestrator. FileStore keeps one JSON document per feature in a
// directory and appends escalations to a JSON Lines log. SQLiteStore keeps
// the same records in SQLite with WAL mode and embedded migrations, plus an
// event log fed from the telemetry event publisher.
package stores
