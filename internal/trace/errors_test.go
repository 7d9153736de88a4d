package trace

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyRecordError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, RecordErrorClassUnknown},
		{"shape", fmt.Errorf("record: %w", ErrShapeMismatch), RecordErrorClassShape},
		{"capacity", fmt.Errorf("record: %w", ErrCapacity), RecordErrorClassCapacity},
		{"closed", fmt.Errorf("record: %w", ErrClosed), RecordErrorClassLifecycle},
		{"not setup", ErrNotSetup, RecordErrorClassLifecycle},
		{"already setup", ErrAlreadySetup, RecordErrorClassLifecycle},
		{"deadline", context.DeadlineExceeded, RecordErrorClassTimeout},
		{"canceled", context.Canceled, RecordErrorClassTimeout},
		{"busy", errors.New("stmt exec: database is locked (SQLITE_BUSY)"), RecordErrorClassContention},
		{"driver timeout", errors.New("write tcp: i/o timeout"), RecordErrorClassTimeout},
		{"storage", errors.New("sqlite: disk I/O error"), RecordErrorClassStorage},
		{"missing file", errors.New("open trace.db: no such file or directory"), RecordErrorClassStorage},
		{"unknown", errors.New("spontaneous failure"), RecordErrorClassUnknown},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyRecordError(tc.err); got != tc.want {
				t.Fatalf("ClassifyRecordError(%v)=%q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRecorderMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var m *RecorderMetrics
	m.record(0)
	m.flush(0, 10, 0)
	m.recordError(ErrCapacity)

	empty := &RecorderMetrics{}
	empty.record(0)
	empty.flush(0, 10, 0)
	empty.recordError(nil)
}

func TestRecorderMetricsClassifiesErrors(t *testing.T) {
	t.Parallel()

	var classes []string
	m := &RecorderMetrics{OnRecordError: func(class string) { classes = append(classes, class) }}
	m.recordError(fmt.Errorf("record: %w", ErrCapacity))
	m.recordError(errors.New("database is locked"))

	if len(classes) != 2 || classes[0] != RecordErrorClassCapacity || classes[1] != RecordErrorClassContention {
		t.Fatalf("classes=%v, want [capacity contention]", classes)
	}
}
