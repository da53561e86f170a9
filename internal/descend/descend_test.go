package descend

import "testing"

func TestParsePPID(t *testing.T) {
	cases := []struct {
		name string
		stat string
		want int
	}{
		{
			name: "ordinary comm",
			stat: "1234 (bash) S 1 1234 1234 0 -1 4194304 100 0 0 0 0 0 0 0 20 0 1 0",
			want: 1,
		},
		{
			name: "comm with parens and spaces",
			stat: "5555 (my (weird) proc) S 42 5555 5555 0 -1 4194304 0 0 0 0 0 0 0 0 20 0 1 0",
			want: 42,
		},
		{
			name: "comm containing the field separator character",
			stat: "77 (a) R 9) R 3 77 77 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0",
			want: 3,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parsePPID([]byte(tc.stat))
			if err != nil {
				t.Fatalf("parsePPID(%q) returned error: %v", tc.stat, err)
			}
			if got != tc.want {
				t.Fatalf("parsePPID(%q) = %d, want %d", tc.stat, got, tc.want)
			}
		})
	}
}

func TestParsePPID_Malformed(t *testing.T) {
	if _, err := parsePPID([]byte("no parens here at all")); err == nil {
		t.Fatal("expected error for stat record with no ')'")
	}
	if _, err := parsePPID([]byte("1 (x) S")); err == nil {
		t.Fatal("expected error for stat record missing ppid field")
	}
}
