package metrics

import (
	"math"
	"strings"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the high-volume events to inner.
// Error and breaker events are never sampled out.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	if rate == 0 {
		every = 0
	} else if rate == 1 {
		every = 1
	} else {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{inner: inner, rate: rate, sampleEvery: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if alwaysKeep(ev.Name) {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}

func alwaysKeep(name string) bool {
	if strings.HasSuffix(name, "_error") || strings.HasPrefix(name, "breaker_") {
		return true
	}
	switch name {
	case EventReconnect, EventRateLimit, EventFinal, EventMalformed:
		return true
	}
	return false
}
