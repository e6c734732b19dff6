package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestCredentialAuthorize(t *testing.T) {
	r := httptest.NewRequest("GET", "/chat/peer-1", nil)
	Credential{Token: "abc123"}.Authorize(r)

	got := r.Header.Get("Authorization")
	if got != "Bearer abc123" {
		t.Errorf("Authorization header = %q, want %q", got, "Bearer abc123")
	}
}

func TestUserIDFromToken(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		token   string
		wantErr bool
	}{
		{"valid token", "user-42", "", false},
		{"empty subject", "", "", true},
		{"garbage token", "", "not-a-token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.token
			if token == "" {
				var err error
				token, err = MakeToken(tt.userID, "test-secret", time.Hour)
				if err != nil {
					t.Fatalf("MakeToken() error = %+v", err)
				}
			}

			got, err := UserIDFromToken(token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UserIDFromToken() error = %+v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.userID {
				t.Errorf("UserIDFromToken() = %q, want %q", got, tt.userID)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	token, err := MakeToken("user-7", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("MakeToken() error = %+v", err)
	}

	t.Run("correct secret", func(t *testing.T) {
		got, err := ValidateToken(token, "test-secret")
		if err != nil {
			t.Fatalf("ValidateToken() error = %+v", err)
		}
		if got != "user-7" {
			t.Errorf("ValidateToken() = %q, want %q", got, "user-7")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if _, err := ValidateToken(token, "other-secret"); err == nil {
			t.Error("ValidateToken() accepted a token signed with a different secret")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		expired, err := MakeToken("user-7", "test-secret", -time.Minute)
		if err != nil {
			t.Fatalf("MakeToken() error = %+v", err)
		}
		if _, err := ValidateToken(expired, "test-secret"); err == nil {
			t.Error("ValidateToken() accepted an expired token")
		}
	})
}
