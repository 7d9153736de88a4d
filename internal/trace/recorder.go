package trace

import "time"

// RecorderMetrics holds optional callbacks the persisted backends invoke at
// key points of the record pipeline.
type RecorderMetrics struct {
	// OnRecord is called after each draw is accepted.
	OnRecord func(chain int)
	// OnFlush is called after each batch is flushed to storage.
	OnFlush func(chain, batchSize int, duration time.Duration)
	// OnRecordError is called with the classified error class when a
	// record or flush fails.
	OnRecordError func(class string)
}

func (m *RecorderMetrics) record(chain int) {
	if m != nil && m.OnRecord != nil {
		m.OnRecord(chain)
	}
}

func (m *RecorderMetrics) flush(chain, batchSize int, duration time.Duration) {
	if m != nil && m.OnFlush != nil {
		m.OnFlush(chain, batchSize, duration)
	}
}

func (m *RecorderMetrics) recordError(err error) {
	if m != nil && m.OnRecordError != nil {
		m.OnRecordError(ClassifyRecordError(err))
	}
}
