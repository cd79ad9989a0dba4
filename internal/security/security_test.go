package security

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	token, err := GenerateServiceToken("s3cret", "proxy", []string{ScopeUsageIngest}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseServiceToken("s3cret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Service != "proxy" || !claims.HasScope(ScopeUsageIngest) || claims.HasScope("admin") {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestServiceTokenRejections(t *testing.T) {
	token, _ := GenerateServiceToken("s3cret", "proxy", nil, time.Minute)
	if _, err := ParseServiceToken("other", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for wrong secret, got %v", err)
	}
	expired, _ := GenerateServiceToken("s3cret", "proxy", nil, -time.Minute)
	if _, err := ParseServiceToken("s3cret", expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
	if _, err := ParseServiceToken("", token); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected empty secret error, got %v", err)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := GenerateAPIKey()
	if a == b || !strings.HasPrefix(a, apiKeyPrefix) || len(a) != len(apiKeyPrefix)+64 {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
	masked := MaskAPIKey(a)
	if !strings.HasSuffix(masked, a[len(a)-4:]) || strings.Contains(masked, a[10:20]) {
		t.Fatalf("unexpected mask %q", masked)
	}
}
