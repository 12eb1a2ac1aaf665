package course

import "testing"

func TestParseScope(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{in: "CSOPESY", want: Scope{Course: "CSOPESY"}},
		{in: "csopesy", want: Scope{Course: "CSOPESY"}},
		{in: "  lbycpa1  ", want: Scope{Course: "LBYCPA1"}},
		{in: "CSOPESY:1234", want: Scope{Course: "CSOPESY", ClassNbr: 1234}},
		{in: "csopesy : 1234", want: Scope{Course: "CSOPESY", ClassNbr: 1234}},
		{in: "", wantErr: true},
		{in: ":1234", wantErr: true},
		{in: "CSOPESY:", wantErr: true},
		{in: "CSOPESY:abc", wantErr: true},
		{in: "CSOPESY:0", wantErr: true},
		{in: "CSOPESY:-5", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseScope(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseScope(%q) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseScope(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseScope(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestScopeKey(t *testing.T) {
	t.Parallel()
	if got := (Scope{Course: "CSOPESY"}).Key(); got != "CSOPESY" {
		t.Fatalf("Key() = %q", got)
	}
	if got := (Scope{Course: "CSOPESY", ClassNbr: 1234}).Key(); got != "CSOPESY:1234" {
		t.Fatalf("Key() = %q", got)
	}
}

func TestScopeMatches(t *testing.T) {
	t.Parallel()
	all := Scope{Course: "CSOPESY"}
	if !all.TracksAll() || !all.Matches(1234) || !all.Matches(5678) {
		t.Fatal("course scope must match every class number")
	}
	one := Scope{Course: "CSOPESY", ClassNbr: 1234}
	if one.TracksAll() || !one.Matches(1234) || one.Matches(5678) {
		t.Fatal("section scope must match exactly its class number")
	}
}
