// Package cipher tests cover the Caesar transform's round-trip property and
// its fixed points.
package cipher

import "testing"

// TestEncodeDecodeRoundTrip verifies that Decode inverts Encode for every
// shift value in 0..25 across a variety of inputs.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"hello world",
		"HELLO WORLD",
		"MixedCase With Spaces",
		"bob: hi",
		"punctuation!?.,;-_()[]{}",
		"digits 0123456789",
		"tabs\tand\rcontrol",
		"unicode: touché ééé 日本語",
	}

	for shift := 0; shift < 26; shift++ {
		for _, input := range inputs {
			if got := Decode(Encode(input, shift), shift); got != input {
				t.Errorf("round trip failed for shift %d: input %q, got %q", shift, input, got)
			}
		}
	}
}

// TestEncodeKnownValues checks concrete rotations, including the canonical
// shift-3 example used by the default client configuration.
func TestEncodeKnownValues(t *testing.T) {
	tests := []struct {
		input string
		shift int
		want  string
	}{
		{"abc", 3, "def"},
		{"xyz", 3, "abc"},
		{"XYZ", 3, "ABC"},
		{"bob: hi", 3, "ere: kl"},
		{"Hello, World!", 13, "Uryyb, Jbeyq!"},
		{"logout", 0, "logout"},
		{"abc", 26, "abc"},
		{"abc", 29, "def"},
		{"def", -3, "abc"},
	}

	for _, tt := range tests {
		if got := Encode(tt.input, tt.shift); got != tt.want {
			t.Errorf("Encode(%q, %d) = %q, want %q", tt.input, tt.shift, got, tt.want)
		}
	}
}

// TestEncodePreservesNonLetters verifies that non-letter bytes are fixed
// points and that output length always matches input length.
func TestEncodePreservesNonLetters(t *testing.T) {
	input := "1234 !?., \t\n ééé"
	for shift := 0; shift < 26; shift++ {
		got := Encode(input, shift)
		if got != input {
			t.Errorf("Encode(%q, %d) altered non-letter input: %q", input, shift, got)
		}
	}

	mixed := "a1b2 c3!"
	encoded := Encode(mixed, 7)
	if len(encoded) != len(mixed) {
		t.Errorf("Encode changed length: %d != %d", len(encoded), len(mixed))
	}
	for i := 0; i < len(mixed); i++ {
		isLetter := (mixed[i] >= 'a' && mixed[i] <= 'z') || (mixed[i] >= 'A' && mixed[i] <= 'Z')
		if !isLetter && encoded[i] != mixed[i] {
			t.Errorf("non-letter byte %q at index %d changed to %q", mixed[i], i, encoded[i])
		}
	}
}

// TestEncodePreservesCase verifies that upper and lower case letters stay in
// their own alphabets.
func TestEncodePreservesCase(t *testing.T) {
	encoded := Encode("AbCdXyZ", 5)
	want := "FgHiCdE"
	if encoded != want {
		t.Errorf("Encode(\"AbCdXyZ\", 5) = %q, want %q", encoded, want)
	}
}
