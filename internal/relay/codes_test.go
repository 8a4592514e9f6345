package relay

import "testing"

func TestGenerateCodeMatchesGrammar(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		if err != nil {
			t.Fatalf("generateCode: %v", err)
		}
		if !isValidCode(code) {
			t.Fatalf("generated code %q does not match grammar", code)
		}
	}
}

func TestIsValidCode(t *testing.T) {
	cases := map[string]bool{
		"ABCDEFGH": true,
		"23456722": true,
		"ABCDEFG":  false, // length 7
		"ABCDEFGHI": false, // length 9
		"ABCDEFG0": false, // contains 0
		"ABCDEFG1": false, // contains 1
		"abcdefgh": false, // lowercase
		"ABCDEFG8": false, // contains 8
		"ABCDEFG9": false, // contains 9
		"":         false,
	}
	for code, want := range cases {
		if got := isValidCode(code); got != want {
			t.Errorf("isValidCode(%q) = %v, want %v", code, got, want)
		}
	}
}
