package timing_test

import (
	"strings"
	"testing"
	"time"

	"github.com/relaymesh/goproxy/pkg/timing"
)

func TestStageTimerBracketsAllThreeStages(t *testing.T) {
	timer := timing.NewTimer()

	timer.StartTCP()
	time.Sleep(10 * time.Millisecond)
	timer.EndTCP()

	timer.StartTLS()
	time.Sleep(15 * time.Millisecond)
	timer.EndTLS()

	timer.StartTTFB()
	time.Sleep(20 * time.Millisecond)
	timer.EndTTFB()

	m := timer.GetMetrics()

	if m.TCPConnect < 5*time.Millisecond || m.TCPConnect > 50*time.Millisecond {
		t.Errorf("unexpected TCPConnect timing: %v", m.TCPConnect)
	}
	if m.TLSHandshake < 10*time.Millisecond || m.TLSHandshake > 50*time.Millisecond {
		t.Errorf("unexpected TLSHandshake timing: %v", m.TLSHandshake)
	}
	if m.TTFB < 15*time.Millisecond || m.TTFB > 50*time.Millisecond {
		t.Errorf("unexpected TTFB timing: %v", m.TTFB)
	}
	if m.TotalTime <= 0 {
		t.Error("total timing should be positive")
	}
}

func TestStageTimerSkipsUnbracketedTLSStage(t *testing.T) {
	timer := timing.NewTimer()
	timer.StartTCP()
	timer.EndTCP()
	timer.StartTTFB()
	timer.EndTTFB()

	m := timer.GetMetrics()
	if m.TLSHandshake != 0 {
		t.Errorf("expected zero TLSHandshake when interception is disabled, got %v", m.TLSHandshake)
	}
}

func TestStageTimingDerivedDurations(t *testing.T) {
	m := timing.StageTiming{
		TCPConnect:   20 * time.Millisecond,
		TLSHandshake: 30 * time.Millisecond,
		TTFB:         40 * time.Millisecond,
		TotalTime:    150 * time.Millisecond,
	}

	if got, want := m.ConnectionTime(), 50*time.Millisecond; got != want {
		t.Errorf("expected connection time %v, got %v", want, got)
	}
	if got, want := m.ServerTime(), 40*time.Millisecond; got != want {
		t.Errorf("expected server time %v, got %v", want, got)
	}
}

func TestStageTimingString(t *testing.T) {
	m := timing.StageTiming{
		TCPConnect:   20 * time.Millisecond,
		TLSHandshake: 30 * time.Millisecond,
		TTFB:         40 * time.Millisecond,
		TotalTime:    100 * time.Millisecond,
	}

	str := m.String()
	for _, substr := range []string{"tcp_connect=", "tls_handshake=", "ttfb=", "total="} {
		if !strings.Contains(str, substr) {
			t.Errorf("string representation should contain %q, got %q", substr, str)
		}
	}
}
