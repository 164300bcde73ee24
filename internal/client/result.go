package client

import (
	"context"

	"github.com/kjstillabower/weather-rag-service/internal/models"
)

// Result is the outcome of one telemetry fetch: either a record (Ok) or a
// failure reason (Err). Exactly one side is set.
type Result struct {
	record *models.TelemetryRecord
	err    error
}

// Ok wraps a fetched record.
func Ok(rec models.TelemetryRecord) Result {
	return Result{record: &rec}
}

// Err wraps a failure reason. A nil reason is recorded as ErrUpstreamFailure.
func Err(reason error) Result {
	if reason == nil {
		reason = ErrUpstreamFailure
	}
	return Result{err: reason}
}

// Record returns the record and true on success.
func (r Result) Record() (models.TelemetryRecord, bool) {
	if r.record == nil {
		return models.TelemetryRecord{}, false
	}
	return *r.record, true
}

// Err returns the failure reason, or nil on success.
func (r Result) Err() error {
	if r.record != nil {
		return nil
	}
	if r.err == nil {
		return ErrUpstreamFailure
	}
	return r.err
}

// TelemetryFetcher fetches fresh telemetry for one city.
type TelemetryFetcher interface {
	Fetch(ctx context.Context, city string) Result
}
