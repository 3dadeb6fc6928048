package enrollment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dive-coalition/federation-enrollment-backend/interfaces"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	var got []string
	bus.Subscribe("topic-a", func(e interfaces.EnrollmentEvent) {
		got = append(got, e.Topic)
	})
	bus.Subscribe("topic-b", func(e interfaces.EnrollmentEvent) {
		t.Error("handler for topic-b should not fire")
	})

	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic-a"})
	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic-a"})
	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic-c"})

	assert.Equal(t, []string{"topic-a", "topic-a"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(testLogger())

	calls := 0
	unsubscribe := bus.Subscribe("topic", func(e interfaces.EnrollmentEvent) { calls++ })

	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic"})
	unsubscribe()
	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic"})

	assert.Equal(t, 1, calls)

	// Double unsubscribe is a no-op.
	unsubscribe()
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(testLogger())

	first, second := 0, 0
	bus.Subscribe("topic", func(e interfaces.EnrollmentEvent) { first++ })
	bus.Subscribe("topic", func(e interfaces.EnrollmentEvent) { second++ })

	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic"})
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestBus_UnsubscribeFromWithinHandler(t *testing.T) {
	bus := NewBus(testLogger())

	calls := 0
	var unsubscribe func()
	unsubscribe = bus.Subscribe("topic", func(e interfaces.EnrollmentEvent) {
		calls++
		unsubscribe()
	})

	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic"})
	bus.Publish(interfaces.EnrollmentEvent{Topic: "topic"})
	assert.Equal(t, 1, calls)
}
