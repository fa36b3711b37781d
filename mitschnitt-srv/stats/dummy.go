package stats

import "context"

// DummyRecorder is a no-op Recorder used when persistence is disabled.
type DummyRecorder struct{}

// NewDummyRecorder creates a recorder that drops everything.
func NewDummyRecorder() *DummyRecorder {
	return &DummyRecorder{}
}

func (d *DummyRecorder) RecordSeenRequest(_ context.Context, _ SeenRequestRecord) (int64, error) {
	return 0, nil
}

func (d *DummyRecorder) SeenRequests(_ context.Context, _ string) ([]SeenRequestRecord, error) {
	return nil, nil
}

func (d *DummyRecorder) CountSeenRequests(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (d *DummyRecorder) HealthCheck(_ context.Context) error {
	return nil
}

func (d *DummyRecorder) Close() error {
	return nil
}
