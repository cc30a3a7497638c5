package vapid

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAudience(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
		wantErr  bool
	}{
		{"strips_path_and_query", "https://push.example.com/abc123?x=1", "https://push.example.com", false},
		{"plain_origin", "https://fcm.googleapis.com/fcm/send/xyz", "https://fcm.googleapis.com", false},
		{"keeps_port", "https://updates.push.services.mozilla.com:443/wpush/v2/token", "https://updates.push.services.mozilla.com:443", false},
		{"no_origin", "not-a-url", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Audience(tt.endpoint)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.endpoint)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Audience(%q) = %q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestLoadKeys_MissingKeys(t *testing.T) {
	_, err := LoadKeys("", "", "mailto:ops@example.com")
	if !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}

	pub, _, _ := GenerateKeys()
	_, err = LoadKeys(pub, "", "mailto:ops@example.com")
	if !errors.Is(err, ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys with only public key set, got %v", err)
	}
}

func TestLoadKeys_GeneratedPairRoundTrips(t *testing.T) {
	pub, priv, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}

	km, err := LoadKeys(pub, priv, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}

	if km.PublicKey() != pub {
		t.Errorf("public key changed through load: got %s, want %s", km.PublicKey(), pub)
	}
	if km.Subject() != "mailto:ops@example.com" {
		t.Errorf("subject mismatch: %s", km.Subject())
	}
}

func TestLoadKeys_MismatchedPair(t *testing.T) {
	pubA, _, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	_, privB, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}

	if _, err := LoadKeys(pubA, privB, "mailto:ops@example.com"); err == nil {
		t.Fatal("expected error for mismatched key pair")
	}
}

func TestLoadKeys_Garbage(t *testing.T) {
	if _, err := LoadKeys("!!not-base64!!", "also-bad", "mailto:ops@example.com"); err == nil {
		t.Fatal("expected error for undecodable keys")
	}
}

func TestAuthorizationHeader_FormatAndClaims(t *testing.T) {
	pub, priv, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	km, err := LoadKeys(pub, priv, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}

	header, err := km.AuthorizationHeader("https://push.example.com/send/abc?x=1")
	if err != nil {
		t.Fatalf("authorization header: %v", err)
	}

	if !strings.HasPrefix(header, "vapid t=") {
		t.Fatalf("header missing vapid t= prefix: %s", header)
	}
	if !strings.Contains(header, ",k="+pub) {
		t.Fatalf("header missing k= public key: %s", header)
	}

	rawToken := strings.TrimPrefix(header, "vapid t=")
	rawToken = rawToken[:strings.Index(rawToken, ",k=")]

	// The token must verify against the configured public key and carry
	// origin-scoped claims.
	token, err := jwt.Parse(rawToken, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return &km.privateKey.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("token did not verify: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatal("expected map claims")
	}

	if claims["aud"] != "https://push.example.com" {
		t.Errorf("aud = %v, want https://push.example.com", claims["aud"])
	}
	if claims["sub"] != "mailto:ops@example.com" {
		t.Errorf("sub = %v, want mailto:ops@example.com", claims["sub"])
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		t.Fatal("exp claim missing")
	}
	until := time.Until(time.Unix(int64(exp), 0))
	if until < 11*time.Hour || until > 13*time.Hour {
		t.Errorf("exp should be ~12h out, got %v", until)
	}
}

func TestAuthorizationHeader_SignaturesAlwaysVerify(t *testing.T) {
	pub, priv, _ := GenerateKeys()
	km, err := LoadKeys(pub, priv, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}

	// ECDSA signatures are randomized per call; every one of them must
	// still verify against the same public key.
	for i := 0; i < 5; i++ {
		header, err := km.AuthorizationHeader("https://push.example.com/send/abc")
		if err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
		rawToken := strings.TrimPrefix(header, "vapid t=")
		rawToken = rawToken[:strings.Index(rawToken, ",k=")]

		if _, err := jwt.Parse(rawToken, func(*jwt.Token) (interface{}, error) {
			return &km.privateKey.PublicKey, nil
		}); err != nil {
			t.Fatalf("signature %d did not verify: %v", i, err)
		}
	}
}

func TestAuthorizationHeader_BadEndpoint(t *testing.T) {
	pub, priv, _ := GenerateKeys()
	km, err := LoadKeys(pub, priv, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}

	if _, err := km.AuthorizationHeader("push.example.com/send"); err == nil {
		t.Fatal("expected error for endpoint without origin")
	}
}
