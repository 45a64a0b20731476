package runner_test

import (
	"fmt"
	"testing"

	"loom/pkg/protocol"
	"loom/pkg/runner"
)

func frame(seq int64) protocol.Frame {
	return protocol.Frame{
		SchemaVersion: protocol.SchemaVersion,
		Kind:          protocol.KindAssistantMessage,
		StreamID:      "s",
		Seq:           seq,
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := runner.NewBroadcaster()
	first := b.Attach()
	second := b.Attach()

	b.Publish(frame(0))
	b.Publish(frame(1))
	b.CloseAll()

	for name, c := range map[string]*runner.Consumer{"first": first, "second": second} {
		var got []int64
		for f := range c.C {
			got = append(got, f.Seq)
		}
		if len(got) != 2 || got[0] != 0 || got[1] != 1 {
			t.Errorf("%s consumer frames = %v, want [0 1]", name, got)
		}
	}
}

func TestBroadcasterReplayOnAttach(t *testing.T) {
	b := runner.NewBroadcaster()
	b.Publish(frame(0))
	b.Publish(frame(1))

	// A consumer attaching mid-stream sees the replay window first.
	late := b.Attach()
	b.Publish(frame(2))
	b.CloseAll()

	var got []int64
	for f := range late.C {
		got = append(got, f.Seq)
	}
	if len(got) != 3 {
		t.Fatalf("frames = %v, want 3 including replay", got)
	}
	for i, seq := range got {
		if seq != int64(i) {
			t.Errorf("frame %d seq = %d, want %d", i, seq, i)
		}
	}
}

func TestBroadcasterSlowConsumerNeverBlocks(t *testing.T) {
	b := runner.NewBroadcaster()
	slow := b.Attach()

	// Publish far past the consumer buffer without draining. Must not
	// deadlock; overflow frames are dropped for this consumer only.
	for i := 0; i < 500; i++ {
		b.Publish(frame(int64(i)))
	}
	b.CloseAll()

	received := 0
	for range slow.C {
		received++
	}
	if received == 0 {
		t.Error("slow consumer received nothing")
	}
	if received >= 500 {
		t.Errorf("received = %d, expected drops past the buffer", received)
	}
}

func TestBroadcasterClosedConsumerDropsFrames(t *testing.T) {
	b := runner.NewBroadcaster()
	c := b.Attach()
	c.Close()

	b.Publish(frame(0))
	b.CloseAll()

	// The channel still closes cleanly and nothing was delivered after
	// the detach.
	got := 0
	for range c.C {
		got++
	}
	if got != 0 {
		t.Errorf("closed consumer received %d frames, want 0", got)
	}
}

func TestAttachAfterCloseDeliversReplayThenCloses(t *testing.T) {
	b := runner.NewBroadcaster()
	for i := 0; i < 3; i++ {
		b.Publish(frame(int64(i)))
	}
	b.CloseAll()

	c := b.Attach()
	var got []int64
	for f := range c.C {
		got = append(got, f.Seq)
	}
	if fmt.Sprint(got) != "[0 1 2]" {
		t.Errorf("post-close replay = %v, want [0 1 2]", got)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := runner.NewBroadcaster()
	b.Publish(frame(0))
	b.CloseAll()
	b.Publish(frame(1))

	c := b.Attach()
	var got []int64
	for f := range c.C {
		got = append(got, f.Seq)
	}
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("frames = %v, want only the pre-close frame", got)
	}
}

func TestAttachBufferHoldsFullReplayWindow(t *testing.T) {
	b := runner.NewBroadcaster()
	for i := 0; i < 300; i++ {
		b.Publish(frame(int64(i)))
	}

	c := b.Attach()
	b.CloseAll()

	var got []protocol.Frame
	for f := range c.C {
		got = append(got, f)
	}
	if len(got) != 256 {
		t.Fatalf("replayed %d frames, want the full 256-frame window", len(got))
	}
	if got[0].Seq != 44 || got[len(got)-1].Seq != 299 {
		t.Errorf("replay spans seq %d..%d, want 44..299", got[0].Seq, got[len(got)-1].Seq)
	}
}
