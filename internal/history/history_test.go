package history

import (
	"fmt"
	"testing"
	"time"
)

func TestAppendAssignsGlobalSequence(t *testing.T) {
	l := New()
	if seq := l.Append("dmxchat", Entry{Body: "one"}); seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
	if seq := l.Append("oaxchat", Entry{Body: "two"}); seq != 2 {
		t.Fatalf("expected global seq 2 across rooms, got %d", seq)
	}
	if seq := l.Append("dmxchat", Entry{Body: "three"}); seq != 3 {
		t.Fatalf("expected seq 3, got %d", seq)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	l := New()
	for i := 1; i <= RoomCapacity+1; i++ {
		l.Append("dmxchat", Entry{Body: fmt.Sprintf("msg-%d", i)})
	}
	got := l.Since("dmxchat", 0)
	if len(got) != RoomCapacity {
		t.Fatalf("expected %d entries, got %d", RoomCapacity, len(got))
	}
	if got[0].Seq != 2 {
		t.Fatalf("expected oldest entry evicted (first seq 2), got %d", got[0].Seq)
	}
	if got[len(got)-1].Seq != RoomCapacity+1 {
		t.Fatalf("expected newest seq %d, got %d", RoomCapacity+1, got[len(got)-1].Seq)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("entries out of order at %d", i)
		}
	}
}

func TestSinceFiltersStrictlyGreater(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Append("boxchat", Entry{Body: "m"})
	}
	got := l.Since("boxchat", 3)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after seq 3, got %d", len(got))
	}
	if got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("unexpected sequence numbers: %d %d", got[0].Seq, got[1].Seq)
	}
}

func TestSinceUnknownRoomIsEmpty(t *testing.T) {
	l := New()
	if got := l.Since("nosuchroom", 0); len(got) != 0 {
		t.Fatalf("expected empty result, got %d entries", len(got))
	}
}

func TestTimestampFormat(t *testing.T) {
	e := Entry{At: time.Date(2026, 8, 29, 20, 15, 0, 0, time.UTC)}
	if got := e.Timestamp(); got != "20260829201500" {
		t.Fatalf("unexpected timestamp %q", got)
	}
}
