package secret

import "testing"

func TestMask(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "***"},
		{"p4ssw0rd", "p******d"},
		{"0123456789012345678901234", "012*********************4"},
	}
	for _, c := range cases {
		if got := Mask(c.in); got != c.want {
			t.Errorf("Mask(%q)=%q want %q", c.in, got, c.want)
		}
	}
}
