package notify

import (
	"errors"
	"strings"
	"testing"
)

func TestUnsupported(t *testing.T) {
	err := Unsupported("discord", EndOfStream)
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("errors.Is(%v, ErrUnsupportedKind) = false", err)
	}
	for _, want := range []string{"discord", "end_of_stream"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
