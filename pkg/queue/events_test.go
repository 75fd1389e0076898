package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolEvent_String(t *testing.T) {
	tests := []struct {
		event PoolEvent
		want  string
	}{
		{EventPoolCreate, "pool:create"},
		{EventListenConnecting, "pool:listen:connecting"},
		{EventGracefulShutdownWorkerError, "pool:gracefulShutdown:workerError"},
		{EventForcefulShutdownComplete, "pool:forcefulShutdown:complete"},
		{EventResetLockedFailure, "resetLocked:failure"},
		{PoolEvent(9999), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.String())
	}
}

func TestEventSinkFunc_AdaptsPlainFunction(t *testing.T) {
	var got EventPayload
	sink := EventSinkFunc(func(p EventPayload) { got = p })

	sink.Emit(EventPayload{Event: EventRelease, Message: "bye"})

	assert.Equal(t, EventRelease, got.Event)
	assert.Equal(t, "bye", got.Message)
}

func TestNoopEventSink_DiscardsEverything(t *testing.T) {
	assert.NotPanics(t, func() {
		NoopEventSink{}.Emit(EventPayload{Event: EventPoolCreate})
	})
}
