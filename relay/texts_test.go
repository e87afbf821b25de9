package relay

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClipCutsOnRuneBoundary(t *testing.T) {
	in := strings.Repeat("п", 40)
	out := clip(in, 63)
	if !utf8.ValidString(out) {
		t.Fatalf("clip produced invalid UTF-8: %q", out)
	}
	if !strings.HasSuffix(out, "…") {
		t.Fatalf("clipped string lacks ellipsis: %q", out)
	}
	if short := clip("hello", 63); short != "hello" {
		t.Fatalf("short string changed: %q", short)
	}
}
