package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier("topsecret")
	body := []byte(`{"event_id":"evt-1"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid with prefix", signBody("topsecret", string(body)), true},
		{"valid without prefix", strings.TrimPrefix(signBody("topsecret", string(body)), "sha256="), true},
		{"wrong secret", signBody("othersecret", string(body)), false},
		{"not hex", "sha256=zzzz", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Verify(body, tt.signature); got != tt.want {
				t.Errorf("Verify = %v, want %v", got, tt.want)
			}
		})
	}
}

func signatureTestRouter(header string) (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var seenBody string
	r.POST("/events",
		WebhookSignatureMiddleware(NewHMACVerifier("topsecret"), header),
		func(c *gin.Context) {
			body, _ := io.ReadAll(c.Request.Body)
			seenBody = string(body)
			c.JSON(http.StatusOK, gin.H{"ok": true})
		})
	return r, &seenBody
}

func TestWebhookSignatureMiddleware(t *testing.T) {
	const body = `{"event_id":"evt-1","kind":"create"}`

	t.Run("valid signature passes with body intact", func(t *testing.T) {
		r, seen := signatureTestRouter("X-Signature-256")
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
		req.Header.Set("X-Signature-256", signBody("topsecret", body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if *seen != body {
			t.Errorf("handler body = %q, want original body restored", *seen)
		}
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		r, _ := signatureTestRouter("X-Signature-256")
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		r, _ := signatureTestRouter("X-Signature-256")
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body+" "))
		req.Header.Set("X-Signature-256", signBody("topsecret", body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("empty header name disables verification", func(t *testing.T) {
		r, _ := signatureTestRouter("")
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 when verification is off", w.Code)
		}
	})
}
