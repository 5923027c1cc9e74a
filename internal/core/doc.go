// Package core turns lab CSV exports into FHIR transactions.
//
// This package contains the domain logic independent of any transport. It is
// used by the HTTP server, the CLI and tests without modification.
//
// # Architecture
//
// A run moves data one way through four stages:
//
//   - Ingest: [Ingestor] reads the CSV, decodes each row into a
//     [SourceRecord] and keeps only rows that pass [ValidateRecord].
//   - Map: [Mapper] builds one Patient and one Observation per present lab
//     value, stamped with the run's [Provenance].
//   - Upload: [Uploader] wraps them in a transaction bundle and submits it,
//     or logs the payload in dry-run mode.
//   - Summarise: [Pipeline] folds the per-record outcomes into [RunCounters]
//     and optionally records the run in [HistoryStore].
//
// [Service] wraps the pipeline for the HTTP server and the CLI and limits how
// many runs execute at once.
//
// # Failure Scope
//
// Only ingestion can abort a run ([ErrInputUnreadable], [ErrNoHeader],
// [ErrInputTooLarge]). A bad row is rejected and reported; a record the server
// refuses becomes a [RecordFailure]. Neither stops the remaining records.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - FILE001-FILE004: File errors (size, header, read, missing)
//   - VAL001-VAL004: Row validation errors
//   - FHIR001-FHIR004: FHIR server errors
//   - UPL001-UPL003: Upload errors (busy, cancelled, timeout)
//   - DB001-DB002: History database errors
package core
