package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	kr, err := NewKeyringFromKeys(map[int][]byte{1: testKey(0)})
	if err != nil {
		t.Fatalf("NewKeyringFromKeys failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"long", strings.Repeat("secret-", 40)},
		{"unicode", "clé secrète 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := kr.Seal(tt.plaintext, "u1:kraken")
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if !strings.HasPrefix(sealed, "ENC[v1]:") {
				t.Fatalf("sealed value missing prefix: %s", sealed)
			}
			got, err := kr.Open(sealed, "u1:kraken")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if got != tt.plaintext {
				t.Fatalf("Open = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	kr, _ := NewKeyringFromKeys(map[int][]byte{1: testKey(0)})
	a, _ := kr.Seal("same", "x")
	b, _ := kr.Seal("same", "x")
	if a == b {
		t.Fatal("expected different ciphertexts for same plaintext")
	}
}

func TestOpenRejectsForeignOwner(t *testing.T) {
	kr, _ := NewKeyringFromKeys(map[int][]byte{1: testKey(0)})
	sealed, _ := kr.Seal("key", "u1:binance")
	if _, err := kr.Open(sealed, "u2:binance"); err != ErrDecryptionFailed {
		t.Fatalf("Open with other owner err=%v, expected ErrDecryptionFailed", err)
	}
}

func TestOpenInvalidCiphertext(t *testing.T) {
	kr, _ := NewKeyringFromKeys(map[int][]byte{1: testKey(0)})
	for _, bad := range []string{"", "plain", "ENC[v1]:", "ENC[v1]:!!!", "ENC[vX]:abcd", "ENC[v3]:abcd"} {
		if _, err := kr.Open(bad, ""); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestRotation(t *testing.T) {
	old, _ := NewKeyringFromKeys(map[int][]byte{1: testKey(0)})
	sealed, _ := old.Seal("rotate-me", "aad")

	kr, err := NewKeyringFromKeys(map[int][]byte{1: testKey(0), 2: testKey(50)})
	if err != nil {
		t.Fatalf("NewKeyringFromKeys failed: %v", err)
	}
	if kr.CurrentVersion() != 2 {
		t.Fatalf("CurrentVersion=%d, expected 2", kr.CurrentVersion())
	}
	got, err := kr.Open(sealed, "aad")
	if err != nil || got != "rotate-me" {
		t.Fatalf("Open v1 = %q, %v", got, err)
	}
	resealed, err := kr.Reseal(sealed, "aad")
	if err != nil {
		t.Fatalf("Reseal failed: %v", err)
	}
	if ParseVersion(resealed) != 2 {
		t.Fatalf("resealed version=%d, expected 2", ParseVersion(resealed))
	}
	again, _ := kr.Reseal(resealed, "aad")
	if again != resealed {
		t.Fatal("Reseal of current version should be a no-op")
	}
}

func TestNewKeyringFromLookup(t *testing.T) {
	env := map[string]string{
		EnvKeyPrefix:         base64.StdEncoding.EncodeToString(testKey(1)),
		EnvKeyPrefix + "_V3": base64.StdEncoding.EncodeToString(testKey(9)),
	}
	kr, err := NewKeyring(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	if !kr.HasVersion(1) || kr.HasVersion(2) || !kr.HasVersion(3) {
		t.Fatal("unexpected loaded versions")
	}
	if kr.CurrentVersion() != 3 {
		t.Fatalf("CurrentVersion=%d, expected 3", kr.CurrentVersion())
	}

	if _, err := NewKeyring(func(string) string { return "" }); err == nil {
		t.Fatal("expected error without primary key")
	}
	env[EnvKeyPrefix+"_V2"] = "c2hvcnQ="
	if _, err := NewKeyring(func(k string) string { return env[k] }); err == nil {
		t.Fatal("expected error for short V2 key")
	}
}

func TestSealJSON(t *testing.T) {
	kr, _ := NewKeyringFromKeys(map[int][]byte{1: testKey(0)})
	type bundle struct {
		APIKey string `json:"apiKey"`
	}
	sealed, err := kr.SealJSON(bundle{APIKey: "k1"}, "u:v")
	if err != nil {
		t.Fatalf("SealJSON failed: %v", err)
	}
	if strings.Contains(sealed, "k1") {
		t.Fatal("sealed JSON leaks plaintext")
	}
	var out bundle
	if err := kr.OpenJSON(sealed, "u:v", &out); err != nil {
		t.Fatalf("OpenJSON failed: %v", err)
	}
	if out.APIKey != "k1" {
		t.Fatalf("APIKey=%q, expected k1", out.APIKey)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v10]:data", 10},
		{"ENC[v0]:data", 0},
		{"ENC[vX]:data", 0},
		{"invalid", 0},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.in); got != tt.want {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(k)
	if err != nil || len(raw) != KeySize {
		t.Fatalf("generated key len=%d err=%v", len(raw), err)
	}
}
