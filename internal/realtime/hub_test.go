package realtime

import (
	"testing"

	"github.com/matryer/is"
	"go.uber.org/zap"
)

func TestPublishFiltersByMeter(t *testing.T) {
	is := is.New(t)
	hub := NewHub(4, zap.NewNop())

	all := hub.Subscribe("")
	one := hub.Subscribe("M1")
	defer all.Close()
	defer one.Close()

	hub.Publish(Event{Type: EventAlertRaised, MeterID: "M1"})
	hub.Publish(Event{Type: EventAlertRaised, MeterID: "M2"})

	is.Equal(len(all.C()), 2)
	is.Equal(len(one.C()), 1)
	is.Equal((<-one.C()).MeterID, "M1")
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	is := is.New(t)
	hub := NewHub(2, zap.NewNop())
	sub := hub.Subscribe("M1")
	defer sub.Close()

	for _, kind := range []string{"a", "b", "c"} {
		hub.Publish(Event{Type: kind, MeterID: "M1"})
	}

	is.Equal(sub.Dropped(), int64(1))
	is.Equal((<-sub.C()).Type, "b")
	is.Equal((<-sub.C()).Type, "c")
}

func TestCloseUnregistersAndClosesChannel(t *testing.T) {
	is := is.New(t)
	hub := NewHub(1, zap.NewNop())
	sub := hub.Subscribe("")

	sub.Close()
	sub.Close()

	_, open := <-sub.C()
	is.True(!open)
	is.Equal(hub.Subscribers(), 0)
	hub.Publish(Event{Type: "after-close"})
}
