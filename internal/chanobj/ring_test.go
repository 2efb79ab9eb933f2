package chanobj

import "testing"

func TestRingPushPopConservesCapacity(t *testing.T) {
	r := newRing(2)

	if !r.push([]byte("a")) {
		t.Fatal("push 1 should succeed")
	}
	if !r.push([]byte("b")) {
		t.Fatal("push 2 should succeed")
	}
	if r.push([]byte("c")) {
		t.Fatal("push beyond capacity must be rejected")
	}

	payload, ok, noRoom := r.pop()
	if !ok || noRoom {
		t.Fatalf("expected a payload, got ok=%v noRoom=%v", ok, noRoom)
	}
	if string(payload) != "a" {
		t.Fatalf("expected FIFO order, got %q", payload)
	}

	// A freed slot in the ring doesn't free in-use capacity until Release.
	if !r.push([]byte("c")) {
		t.Fatal("push after one consumed slot should succeed")
	}
}

func TestRingNoRoomWhenInUseSaturated(t *testing.T) {
	r := newRing(1)
	r.push([]byte("x"))

	_, ok, noRoom := r.pop()
	if !ok || noRoom {
		t.Fatalf("first pop should succeed, got ok=%v noRoom=%v", ok, noRoom)
	}

	// Ring is empty now (count==0) but the one buffer is still in-use.
	_, ok, noRoom = r.pop()
	if ok {
		t.Fatal("pop on empty ring must not report ok")
	}
	if noRoom {
		t.Fatal("noRoom only applies once inuse saturates capacity while data is pending")
	}

	r.push([]byte("y"))
	_, ok, noRoom = r.pop()
	if ok || !noRoom {
		t.Fatalf("second outstanding pop should report NO_ROOM, got ok=%v noRoom=%v", ok, noRoom)
	}

	if !r.release() {
		t.Fatal("release should free the first in-use buffer")
	}
	_, ok, noRoom = r.pop()
	if !ok || noRoom {
		t.Fatalf("pop after release should succeed, got ok=%v noRoom=%v", ok, noRoom)
	}
}
