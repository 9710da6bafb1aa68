package xlog

import "testing"

func TestParseLevel(t *testing.T) {
	cases := []struct {
		count int
		want  Level
	}{
		{0, LevelWarn},
		{1, LevelInfo},
		{2, LevelDebug},
		{5, LevelDebug},
	}
	for _, c := range cases {
		if got := ParseLevel(c.count); got != c.want {
			t.Errorf("ParseLevel(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestLoggerDoesNotPanic(t *testing.T) {
	lg := New(LevelDebug, true)
	lg.Warnf("warn %d", 1)
	lg.Infof("info %d", 2)
	lg.Debugf("debug %d", 3)
	lg.USBDump("tx", []byte{0x01, 0x02})
}
