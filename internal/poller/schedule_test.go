package poller

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		next    time.Time
		wantErr bool
	}{
		{in: "5m", next: base.Add(5 * time.Minute)},
		{in: "00:05", next: base.Add(5 * time.Minute)},
		{in: "01:30", next: base.Add(90 * time.Minute)},
		{in: "every:2m", next: base.Add(2 * time.Minute)},
		{in: "@every 10m", next: base.Add(10 * time.Minute)},
		{in: "*/15 * * * *", next: base.Add(15 * time.Minute)},
		{in: "cron:0 13 * * *", next: base.Add(time.Hour)},
		{in: "30 */5 * * * *", next: base.Add(30 * time.Second)},
		{in: "", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSchedule(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) accepted", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if got := s.Next(base); !got.Equal(tt.next) {
				t.Fatalf("Next=%v want %v", got, tt.next)
			}
		})
	}
}
