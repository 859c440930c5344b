package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"meetai/pkg/auth"
)

func newAuthTestApp(jwtAuth *auth.JWTAuth) *fiber.App {
	app := fiber.New()
	app.Get("/protected", AuthMiddleware(jwtAuth), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": UserID(c)})
	})
	return app
}

func TestAuthMiddleware_ProductionWithoutJWTRefuses(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	app := newAuthTestApp(nil)

	req := httptest.NewRequest("GET", "/protected", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	// The request must be refused, not the process killed
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware_DevelopmentBypass(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	app := newAuthTestApp(nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/protected", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected 200 in development bypass, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	t.Setenv("ENVIRONMENT", "testing")
	jwtAuth, err := auth.NewJWTAuth("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewJWTAuth failed: %v", err)
	}
	app := newAuthTestApp(jwtAuth)

	token, err := jwtAuth.GenerateToken("user-1", "user@example.com")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected 200 with valid token, got %d", resp.StatusCode)
	}

	// Missing token on the same app is rejected
	resp, _ = app.Test(httptest.NewRequest("GET", "/protected", nil), -1)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestAuthMiddleware_QueryParamToken(t *testing.T) {
	t.Setenv("ENVIRONMENT", "testing")
	jwtAuth, _ := auth.NewJWTAuth("test-secret", time.Minute)
	app := newAuthTestApp(jwtAuth)

	token, _ := jwtAuth.GenerateToken("user-1", "user@example.com")

	// WebSocket upgrades cannot carry headers; the token rides the query
	resp, err := app.Test(httptest.NewRequest("GET", "/protected?token="+token, nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected 200 with query token, got %d", resp.StatusCode)
	}
}
