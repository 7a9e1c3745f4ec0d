/*
Package types defines the shared data model of the batch submission core:
attempt status, the event vocabulary, resource hints, and the attempt
record every provider reports through Lookup.

Status forms a small state machine per attempt:

	PENDING → RUNNING → {SUCCESS, FAILURE, CANCELED}

Terminal states are absorbing within an attempt; a task may spawn a new
attempt only while its latest attempt is FAILURE. Queued-but-unstarted
attempts are reported as RUNNING for backward compatibility with callers
that predate PENDING.
*/
package types
