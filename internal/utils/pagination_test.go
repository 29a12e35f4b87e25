package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		{"x", 5, 5},
		{" 42", 7, 7},
		{"999999999999999999999999", -1, -1},
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestClampAndLimitParam(t *testing.T) {
	if Clamp(-1, 0, 10) != 0 || Clamp(11, 0, 10) != 10 || Clamp(5, 0, 10) != 5 {
		t.Fatalf("Clamp bounds wrong")
	}
	cases := map[string]int{"": 20, "x": 20, "0": 20, "-4": 20, "7": 7, "1000": 100}
	for in, want := range cases {
		if got := LimitParam(in, 20, 100); got != want {
			t.Fatalf("LimitParam(%q) = %d; want %d", in, got, want)
		}
	}
}
