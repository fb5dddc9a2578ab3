package logstream

import "testing"

func TestAppendAccumulatesLines(t *testing.T) {
	s := New()
	s.Append("first")
	s.Append("second")

	got := s.Lines()
	want := []string{"first", "second"}
	if len(got) != len(want) {
		t.Fatalf("Lines() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubscribeReceivesNewLinesOnly(t *testing.T) {
	s := New()
	s.Append("before")

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.Append("after")

	select {
	case line := <-ch:
		if line != "after" {
			t.Fatalf("got %q, want %q", line, "after")
		}
	default:
		t.Fatal("expected a line to be delivered to the subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New()
	ch, unsubscribe := s.Subscribe()
	unsubscribe()

	s.Append("line")

	select {
	case line := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %q", line)
	default:
	}
}
