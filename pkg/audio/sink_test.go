package audio

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/banter/pkg/frames"
)

func TestMemorySinkRecordsInOrder(t *testing.T) {
	sink := NewMemorySink()

	for i := 1; i <= 3; i++ {
		src := frames.SourceFiller
		if i == 3 {
			src = frames.SourceAnswer
		}
		f := frames.NewAudioFrame(src, int64(i), []byte{byte(i)}, 8000, 1)
		if err := sink.Write(context.Background(), f); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	got := sink.Sources()
	want := []frames.Source{frames.SourceFiller, frames.SourceFiller, frames.SourceAnswer}
	if len(got) != len(want) {
		t.Fatalf("recorded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d source = %q, want %q", i, got[i], want[i])
		}
	}
	if sink.Frames()[1].Seq() != 2 {
		t.Fatalf("seq = %d, want 2", sink.Frames()[1].Seq())
	}
}

func TestMemorySinkRejectsAfterClose(t *testing.T) {
	sink := NewMemorySink()
	f := frames.NewAudioFrame(frames.SourceAnswer, 1, []byte{1}, 8000, 1)
	if err := sink.Write(context.Background(), f); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Write(context.Background(), f); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("Write after close = %v, want ErrSinkClosed", err)
	}
	if sink.Len() != 1 {
		t.Fatalf("Len = %d, want 1", sink.Len())
	}
}

func TestMemorySinkHonorsContext(t *testing.T) {
	sink := NewMemorySink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := frames.NewAudioFrame(frames.SourceAnswer, 1, []byte{1}, 8000, 1)
	if err := sink.Write(ctx, f); !errors.Is(err, context.Canceled) {
		t.Fatalf("Write with cancelled ctx = %v, want context.Canceled", err)
	}
	if sink.Len() != 0 {
		t.Fatalf("Len = %d, want 0", sink.Len())
	}
}
