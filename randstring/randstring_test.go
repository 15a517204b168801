package randstring

import (
	"strings"
	"testing"
)

func TestRandString(t *testing.T) {
	s, err := RandString(12)
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if len(s) != 12 {
		t.Errorf("Length of generated string %s is incorrect", s)
	}
	for _, c := range s {
		if !strings.ContainsRune(letters, c) {
			t.Errorf("unexpected character %q in %s", c, s)
		}
	}
}

func TestRandStringTwice(t *testing.T) {
	s, _ := RandString(12)
	r, _ := RandString(12)
	if s == r {
		t.Errorf("Calling RandString twice gives the same answer (%s==%s)",
			s, r)
	}
}

func TestState(t *testing.T) {
	s, err := State()
	if err != nil {
		t.Fatalf("unexpected error %s", err)
	}
	if len(s) != StateLength {
		t.Errorf("state length have(%d) want(%d)", len(s), StateLength)
	}
}
