package video

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyWebhook(t *testing.T) {
	secret := "shared_secret"
	c := NewClient("key", secret, "")

	body := []byte(`{"type":"call.session_started","call":{"id":"m1"}}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	if !c.VerifyWebhook(body, signature) {
		t.Error("valid signature must verify")
	}
	if c.VerifyWebhook(body, "deadbeef") {
		t.Error("invalid signature must fail")
	}
	if c.VerifyWebhook([]byte(`tampered`), signature) {
		t.Error("signature over different bytes must fail")
	}
	if c.VerifyWebhook(body, "") {
		t.Error("empty signature must fail")
	}
}

func TestMintCallToken(t *testing.T) {
	secret := "shared_secret"
	c := NewClient("key", secret, "")

	signed, err := c.MintCallToken("agent-1", []string{"default:m1"}, time.Hour)
	if err != nil {
		t.Fatalf("MintCallToken failed: %v", err)
	}

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(signed, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("minted token failed to parse: %v", err)
	}

	if claims.UserID != "agent-1" {
		t.Errorf("expected user_id agent-1, got %q", claims.UserID)
	}
	if len(claims.CallCIDs) != 1 || claims.CallCIDs[0] != "default:m1" {
		t.Errorf("expected call_cids [default:m1], got %v", claims.CallCIDs)
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > time.Hour {
		t.Error("expiry must honor the requested validity")
	}
}

func TestMintUserToken_NoCallScope(t *testing.T) {
	c := NewClient("key", "shared_secret", "")

	signed, err := c.MintUserToken("user-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("MintUserToken failed: %v", err)
	}

	var claims tokenClaims
	if _, err := jwt.ParseWithClaims(signed, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte("shared_secret"), nil
	}); err != nil {
		t.Fatalf("minted token failed to parse: %v", err)
	}

	if len(claims.CallCIDs) != 0 {
		t.Errorf("user tokens must not be call-scoped, got %v", claims.CallCIDs)
	}
}
