package handshake

import (
	"strings"
	"testing"
)

func TestNewToken_Unique(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewToken()
	if a == b {
		t.Error("two tokens are equal")
	}
}

func TestSaltedToken_Format(t *testing.T) {
	tok := SaltedToken("0.5", "secret")
	if !strings.HasPrefix(tok, "0.5-") {
		t.Errorf("token %q does not start with salt", tok)
	}
	if strings.Contains(tok, "=") {
		t.Errorf("token %q retains base64 padding", tok)
	}
	// sha1 is 20 bytes: 27 base64 chars once the single pad is trimmed.
	if got := len(strings.TrimPrefix(tok, "0.5-")); got != 27 {
		t.Errorf("digest length = %d, want 27", got)
	}
}

func TestVerifySalted(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid", SaltedToken("abc", "secret"), true},
		{"wrong secret", SaltedToken("abc", "other"), false},
		{"no separator", "abcdef", false},
		{"empty salt", "-" + digest("", "secret"), false},
		{"tampered", SaltedToken("abc", "secret") + "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySalted(tt.token, "secret"); got != tt.want {
				t.Errorf("VerifySalted(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

func TestFrameAuth_SignVerify(t *testing.T) {
	a := NewFrameAuth("secret")
	t1, t2 := a.Sign(), a.Sign()
	if t1 == t2 {
		t.Error("consecutive tokens share a salt")
	}
	if !a.Verify(t1) || !a.Verify(t2) {
		t.Error("own tokens did not verify")
	}
	if NewFrameAuth("other").Verify(t1) {
		t.Error("token verified under a different secret")
	}
}
