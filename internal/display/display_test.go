package display

import (
	"testing"
)

func TestFaceRendersLabels(t *testing.T) {
	f := NewFace()
	if err := f.SetClock(0, 13); err != nil {
		t.Fatal(err)
	}
	if err := f.SetDate(2023, 11, 15); err != nil {
		t.Fatal(err)
	}
	if err := f.SetDay("WED"); err != nil {
		t.Fatal(err)
	}

	want := FaceState{Clock: "00:13", Date: "15/11/2023", Day: "WED"}
	if got := f.State(); got != want {
		t.Errorf("State() = %+v, want %+v", got, want)
	}
}

func TestFaceRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*Face) error
	}{
		{"hour 24", func(f *Face) error { return f.SetClock(24, 0) }},
		{"minute 60", func(f *Face) error { return f.SetClock(12, 60) }},
		{"month 0", func(f *Face) error { return f.SetDate(2024, 0, 1) }},
		{"month 13", func(f *Face) error { return f.SetDate(2024, 13, 1) }},
		{"day 0", func(f *Face) error { return f.SetDate(2024, 1, 0) }},
		{"day 32", func(f *Face) error { return f.SetDate(2024, 1, 32) }},
		{"empty day", func(f *Face) error { return f.SetDay("") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFace()
			if err := tt.fn(f); err == nil {
				t.Error("expected error")
			}
			if f.State() != (FaceState{}) {
				t.Errorf("state changed on error: %+v", f.State())
			}
		})
	}
}

func TestFaceOnChange(t *testing.T) {
	f := NewFace()
	var calls []FaceState
	f.OnChange(func(s FaceState) { calls = append(calls, s) })

	_ = f.SetClock(9, 5)
	_ = f.SetClock(99, 5)
	_ = f.SetDay("MON")

	if len(calls) != 2 {
		t.Fatalf("OnChange called %d times, want 2", len(calls))
	}
	if calls[1].Clock != "09:05" || calls[1].Day != "MON" {
		t.Errorf("last change = %+v", calls[1])
	}
}
