package core

import "testing"

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster[int]()
	a, stopA := b.Subscribe(4)
	c, stopC := b.Subscribe(4)
	defer stopC()

	b.Publish(1)
	if <-a != 1 || <-c != 1 {
		t.Fatal("value not fanned out")
	}
	stopA()
	stopA()
	if _, ok := <-a; ok {
		t.Fatal("cancelled subscriber still open")
	}
	b.Publish(2)
	if <-c != 2 {
		t.Fatal("remaining subscriber starved")
	}
}

func TestBroadcaster_SlowSubscriberLosesOldest(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, stop := b.Subscribe(2)
	defer stop()
	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	if got := []int{<-ch, <-ch}; got[0] != 4 || got[1] != 5 {
		t.Fatalf("got %v, want [4 5]", got)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster[string]()
	ch, stop := b.Subscribe(1)
	b.Close()
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("subscriber open after Close")
	}
	stop()
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("late subscriber open after Close")
	}
	b.Publish("ignored")
}
