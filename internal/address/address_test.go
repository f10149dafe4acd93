package address

import (
	"errors"
	"strings"
	"testing"

	leekerrors "github.com/tamirms/leek/errors"
)

func TestRawAccessorsBigEndian(t *testing.T) {
	a := FromParts(0xA1B2, 0x0102030405060708)
	want := Raw{0xA1, 0xB2, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if a != want {
		t.Fatalf("FromParts = %x, want %x", a, want)
	}
	if got := a.Index(); got != 0xA1B2 {
		t.Errorf("Index = %#x, want 0xa1b2", got)
	}
	if got := a.Suffix(); got != 0x0102030405060708 {
		t.Errorf("Suffix = %#x, want 0x0102030405060708", got)
	}
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		in       string
		wantLen  int
		wantText string
	}{
		{"test", 4, "test777777777777"},
		{"abcdefghijklmnop", 16, "abcdefghijklmnop"},
		{"abcdefghijklmnop.onion", 16, "abcdefghijklmnop"},
		{"a2b3c4", 6, "a2b3c47777777777"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, n, err := ParsePrefix(tt.in)
			if err != nil {
				t.Fatalf("ParsePrefix: %v", err)
			}
			if n != tt.wantLen {
				t.Errorf("length = %d, want %d", n, tt.wantLen)
			}
			if got := a.String(); got != tt.wantText {
				t.Errorf("String = %q, want %q", got, tt.wantText)
			}
		})
	}
}

func TestParsePrefixRejects(t *testing.T) {
	for _, in := range []string{"", "Test", "abc1", "ab-c", "abcdefghijklmnopq", "abcdefghijklmnop.com"} {
		t.Run(in, func(t *testing.T) {
			if _, _, err := ParsePrefix(in); !errors.Is(err, leekerrors.ErrInvalidPrefix) {
				t.Fatalf("ParsePrefix(%q) error = %v, want ErrInvalidPrefix", in, err)
			}
		})
	}
}

// A prefix decodes with every unspecified bit set, so masking is a no-op
// on the parsed value and clears nothing the prefix specified.
func TestMaskCoversUnspecifiedBits(t *testing.T) {
	full := "abcdefghijklmnop"
	ref, _, err := ParsePrefix(full)
	if err != nil {
		t.Fatal(err)
	}
	for n := MinPrefix; n <= MaxPrefix; n++ {
		a, _, err := ParsePrefix(full[:n])
		if err != nil {
			t.Fatal(err)
		}
		if a.Index() != ref.Index() {
			t.Errorf("n=%d: index %#x, want %#x", n, a.Index(), ref.Index())
		}
		if a.Suffix()|Mask(n) != a.Suffix() {
			t.Errorf("n=%d: parsed suffix %#x has unset masked bits", n, a.Suffix())
		}
		if a.Suffix() != ref.Suffix()|Mask(n) {
			t.Errorf("n=%d: suffix %#x, want %#x", n, a.Suffix(), ref.Suffix()|Mask(n))
		}
	}
}

func TestHostname(t *testing.T) {
	a, _, err := ParsePrefix("zzzzzzzzzzzzzzzz")
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Hostname(); got != "zzzzzzzzzzzzzzzz.onion" {
		t.Errorf("Hostname = %q", got)
	}
	if !strings.HasSuffix(TrimSuffix(a.Hostname()), "z") {
		t.Errorf("TrimSuffix kept the domain")
	}
}
