//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

// --- Health Endpoints ---

func TestHealthEndpoint(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, "ok")
}

func TestReadyEndpoint(t *testing.T) {
	resp, _, err := httpGet(gatewayURL+"/ready", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
}

// --- Auth Flows ---

func TestAuthFlow_ValidToken(t *testing.T) {
	token := generateJWT("user-123", "read write", time.Hour)
	resp, body, err := httpGet(gatewayURL+"/api/users/hello", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if _, ok := m["service"]; !ok {
		t.Error("expected 'service' field in echoserver response")
	}
}

func TestAuthFlow_MissingToken(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/api/users/test", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "PREMIER_UNAUTHENTICATED")
}

func TestAuthFlow_ExpiredToken(t *testing.T) {
	token := generateJWT("user-123", "read write", -time.Hour)
	resp, body, err := httpGet(gatewayURL+"/api/users/test", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "PREMIER_UNAUTHENTICATED")
}

func TestAuthFlow_GarbageToken(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/api/users/test", authHeader("not.a.valid.jwt"))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)
	assertErrorCode(t, body, "PREMIER_UNAUTHENTICATED")
}

func TestAuthFlow_InsufficientScope(t *testing.T) {
	// Integration config: auth.scopes requires "write" globally.
	token := generateJWT("user-123", "read", time.Hour)
	resp, body, err := httpGet(gatewayURL+"/api/users/test", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 403)
	assertErrorCode(t, body, "PREMIER_FORBIDDEN")
}

// --- Routing ---

// An unconfigured path falls back to default_features rather than 404ing:
// the gateway always forwards, it just applies whatever policy matched (or
// none at all).
func TestRouting_UnmatchedPathUsesDefaults(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/nothing/configured/here", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if _, ok := m["service"]; !ok {
		t.Error("expected 'service' field in echoserver response")
	}
}

func TestRouting_SpecificityWins(t *testing.T) {
	// /public/* has no auth feature; a more specific literal match must
	// win over it even though both patterns could match the same path.
	resp, _, err := httpGet(gatewayURL+"/public/hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
}

func TestPublicRouteNoAuth(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/public/hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	if _, ok := m["service"]; !ok {
		t.Error("expected 'service' field in echoserver response")
	}
}

// --- Rate Limiting ---

func TestRateLimiting_QuotaExhaustion(t *testing.T) {
	// Integration config: /api/users/* quota=20, duration=60.
	token := generateJWT("rate-limit-user", "read write", time.Hour)
	got429 := 0
	total := 30

	for i := 0; i < total; i++ {
		resp, body, err := httpGet(gatewayURL+"/api/users/quota-test", authHeader(token))
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			got429++
			assertErrorCode(t, body, "PREMIER_QUOTA_EXCEEDED")
		} else if resp.StatusCode != http.StatusOK {
			t.Errorf("unexpected status %d", resp.StatusCode)
		}
	}

	if got429 == 0 {
		t.Error("expected at least one 429 response after exhausting quota")
	}
	t.Logf("got %d/%d rate-limited responses", got429, total)
}

func TestRateLimiting_GlobalAmbientLimiter(t *testing.T) {
	// Integration config: server.global_rate_limit=5, global_rate_burst=10.
	// /public/* has no rate_limit feature, so only the ambient limiter
	// can reject it.
	got429 := 0
	for i := 0; i < 40; i++ {
		resp, _, err := httpGet(gatewayURL+"/public/burst-test", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			got429++
			if resp.Header.Get("Retry-After") == "" {
				t.Error("expected Retry-After header on ambient 429")
			}
		}
	}
	if got429 == 0 {
		t.Error("expected the global rate limiter to reject at least one request")
	}
}

// --- Retry Behavior ---

func TestRetryBehavior(t *testing.T) {
	time.Sleep(2 * time.Second)

	// /api/users/* configures retry.max_attempts=3. Every attempt hits
	// the same always-502 echoserver endpoint, so retries exhaust and the
	// backend's own status passes through.
	token := generateJWT("retry-user", "read write", time.Hour)
	resp, _, err := httpGet(gatewayURL+"/api/users/__status/502", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 502 {
		t.Errorf("expected 502 after retries exhausted, got %d", resp.StatusCode)
	}
}

// --- Circuit Breaker ---

func TestCircuitBreaker_OpensOnFailures(t *testing.T) {
	token := generateJWT("breaker-user", "read write", time.Hour)

	// Integration config: /api/users/* circuit_breaker.failure_threshold=3.
	for i := 0; i < 10; i++ {
		httpGet(gatewayURL+"/api/users/__status/502", authHeader(token))
	}

	time.Sleep(500 * time.Millisecond)

	resp, body, err := httpGet(gatewayURL+"/admin/routes", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	var result struct {
		Routes []map[string]interface{} `json:"routes"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse admin/routes: %v\nbody: %s", err, string(body))
	}

	foundOpen := false
	for _, r := range result.Routes {
		pattern, _ := r["pattern"].(string)
		state, _ := r["circuit_state"].(string)
		if pattern == "/api/users/*" && state == "open" {
			foundOpen = true
			break
		}
	}

	if !foundOpen {
		t.Log("circuit breaker states:")
		for _, r := range result.Routes {
			t.Logf("  %s: %s", r["pattern"], r["circuit_state"])
		}
		t.Error("expected circuit breaker for /api/users/* to be open after failures")
		return
	}

	// With the breaker open, forwarding is skipped and the request fails
	// fast with the circuit-open taxonomy entry, which maps to 502.
	resp2, body2, err := httpGet(gatewayURL+"/api/users/test", authHeader(token))
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != 502 {
		t.Errorf("expected 502 when circuit open, got %d", resp2.StatusCode)
	}
	assertErrorCode(t, body2, "PREMIER_CIRCUIT_OPEN")
}

// --- Metrics ---

func TestMetricsEndpoint(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/metrics", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertBodyContains(t, body, "premier_requests_total")
	assertBodyContains(t, body, "premier_request_duration_seconds")
}

// --- Admin API ---

func TestAdminRoutes(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/admin/routes", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	var result struct {
		Routes []map[string]interface{} `json:"routes"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse /admin/routes response: %v", err)
	}
	if len(result.Routes) == 0 {
		t.Error("expected at least one route in admin response")
	}
}

func TestAdminConfig_RedactsSecrets(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/admin/config", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	if strings.Contains(string(body), jwtSecret) {
		t.Error("jwt_secret leaked into /admin/config response")
	}
}

func TestAdminPolicies(t *testing.T) {
	resp, body, err := httpGet(gatewayURL+"/admin/policies", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)

	m := parseJSON(t, body)
	policies, ok := m["policies"].([]interface{})
	if !ok || len(policies) == 0 {
		t.Error("expected non-empty 'policies' array in /admin/policies response")
	}
}

// --- Security Headers ---

func TestSecurityHeaders(t *testing.T) {
	resp, _, err := httpGet(gatewayURL+"/public/hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	assertHeader(t, resp, "X-Content-Type-Options", "nosniff")
	assertHeader(t, resp, "X-Frame-Options", "DENY")
	assertHeader(t, resp, "X-Xss-Protection", "0")
}

// --- Request ID ---

func TestRequestID_Generated(t *testing.T) {
	resp, _, err := httpGet(gatewayURL+"/public/hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	id := resp.Header.Get("X-Request-ID")
	if id == "" {
		t.Error("expected X-Request-ID header to be auto-generated")
	}
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Errorf("X-Request-ID %q doesn't look like a UUID", id)
	}
}

func TestRequestID_Preserved(t *testing.T) {
	customID := "custom-request-id-12345"
	resp, _, err := httpGet(gatewayURL+"/public/hello", map[string]string{
		"X-Request-ID": customID,
	})
	if err != nil {
		t.Fatal(err)
	}
	assertHeader(t, resp, "X-Request-ID", customID)
}

func TestRequestID_Unique(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 10; i++ {
		resp, _, err := httpGet(gatewayURL+"/public/hello", nil)
		if err != nil {
			t.Fatal(err)
		}
		id := resp.Header.Get("X-Request-ID")
		if ids[id] {
			t.Errorf("duplicate X-Request-ID: %s", id)
		}
		ids[id] = true
	}
}

// --- Error Response Consistency ---

func TestErrorResponseFormat(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		headers    map[string]string
		wantStatus int
	}{
		{"missing auth", gatewayURL + "/api/users/test", nil, 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body, err := httpGet(tt.url, tt.headers)
			if err != nil {
				t.Fatal(err)
			}
			assertStatusCode(t, resp, tt.wantStatus)

			var m map[string]interface{}
			if err := json.Unmarshal(body, &m); err != nil {
				t.Fatalf("error response not valid JSON: %v", err)
			}
			for _, field := range []string{"error", "error_code", "message"} {
				if _, ok := m[field]; !ok {
					t.Errorf("missing field %q in error response: %s", field, string(body))
				}
			}
		})
	}
}

func TestErrorResponse_IncludesRequestID(t *testing.T) {
	customID := "trace-error-test-id"
	resp, body, err := httpGet(gatewayURL+"/api/users/test", map[string]string{
		"X-Request-ID": customID,
	})
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 401)

	m := parseJSON(t, body)
	requestID, ok := m["request_id"].(string)
	if !ok || requestID == "" {
		t.Errorf("expected request_id in error response, got: %s", string(body))
	}
	if requestID != customID {
		t.Errorf("expected request_id %q, got %q", customID, requestID)
	}
}
