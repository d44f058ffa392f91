package scheduler

import "testing"

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "*/5 * * * *", want: "*/5 * * * *"},
		{in: "0 */2 * * * *", want: "0 */2 * * * *"},
		{in: "@hourly", want: "@hourly"},
		{in: "@every 1m", want: "@every 1m"},
		{in: " 90s ", want: "@every 1m30s"},
		{in: "00:05", want: "@every 5m0s"},
		{in: "1:30", want: "@every 1h30m0s"},
		{in: "", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "* * *", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSchedule(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
