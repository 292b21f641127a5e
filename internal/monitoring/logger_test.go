package monitoring

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetLogger(t *testing.T) {
	defer Mute()()

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("[Playback] frame %d", 3)

	if len(got) != 1 || got[0] != "[Playback] frame 3" {
		t.Fatalf("logger captured %q, want one formatted line", got)
	}

	SetLogger(nil)
	Logf("dropped")
	if len(got) != 1 {
		t.Errorf("nil logger should mute output, captured %q", got)
	}
}

func TestMuteRestores(t *testing.T) {
	calls := 0
	SetLogger(func(string, ...interface{}) { calls++ })

	restore := Mute()
	Logf("hidden")
	restore()
	Logf("visible")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	SetLogger(nil)
}

func TestLogfConcurrentSwap(t *testing.T) {
	defer Mute()()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Logf("tick %d", j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				SetLogger(func(string, ...interface{}) {})
			}
		}()
	}
	wg.Wait()
}
