package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/orderfeed/ingest/internal/repository"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
)

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.Code {
	t.Helper()
	var e apperrors.Error
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e.Code
}

func TestKeyRingPlainMatch(t *testing.T) {
	ring := NewKeyRing()
	ring.SetPartnerKey(repository.PartnerA, "secret-a", "")

	if !ring.Authorize(repository.PartnerA, "secret-a") {
		t.Fatal("expected matching key to authorize")
	}
	if ring.Authorize(repository.PartnerA, "wrong") {
		t.Fatal("expected wrong key to be rejected")
	}
	// A 的密钥不能代表 B
	if ring.Authorize(repository.PartnerB, "secret-a") {
		t.Fatal("expected cross-partner key to be rejected")
	}
}

func TestKeyRingHashTakesPrecedence(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}

	ring := NewKeyRing()
	ring.SetPartnerKey(repository.PartnerA, "plain-key", string(hash))

	if !ring.Authorize(repository.PartnerA, "hashed-key") {
		t.Fatal("expected hash-backed key to authorize")
	}
	if ring.Authorize(repository.PartnerA, "plain-key") {
		t.Fatal("plain key must be ignored once a hash is configured")
	}
}

func TestKeyRingMasterBypass(t *testing.T) {
	ring := NewKeyRing()
	ring.SetPartnerKey(repository.PartnerA, "secret-a", "")
	ring.SetMasterKey("master-key", "")

	if !ring.Authorize(repository.PartnerA, "master-key") {
		t.Fatal("master key must authorize partner A")
	}
	if !ring.Authorize(repository.PartnerB, "master-key") {
		t.Fatal("master key must authorize partner B without a partner key")
	}
}

func TestKeyRingEmptyRejectsAll(t *testing.T) {
	ring := NewKeyRing()
	if ring.Authorize(repository.PartnerA, "") || ring.Authorize(repository.PartnerA, "anything") {
		t.Fatal("empty key ring must reject every key")
	}
}

func TestFeedPathPartner(t *testing.T) {
	tests := []struct {
		path    string
		partner repository.PartnerID
		ok      bool
	}{
		{"/api/feed/partner-a", repository.PartnerA, true},
		{"/api/feed/partner-a/batch", repository.PartnerA, true},
		{"/api/feed/partner-b", repository.PartnerB, true},
		{"/api/feed/partner-b/batch", repository.PartnerB, true},
		{"/api/feed/partner-x", "", false},
		{"/api/orders", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("POST", tt.path, nil)
		p, ok := FeedPathPartner(r)
		if ok != tt.ok || p != tt.partner {
			t.Errorf("%s: got %q/%v, want %q/%v", tt.path, p, ok, tt.partner, tt.ok)
		}
	}
}

func newAuthHandler(ring *KeyRing) http.Handler {
	return FeedAuth(ring, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		partner, ok := PartnerFromContext(r.Context())
		if !ok {
			http.Error(w, "no partner in context", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(partner.String()))
	}))
}

func TestFeedAuthMissingKey(t *testing.T) {
	ring := NewKeyRing()
	ring.SetPartnerKey(repository.PartnerA, "secret-a", "")

	req := httptest.NewRequest("POST", "/api/feed/partner-a", nil)
	rec := httptest.NewRecorder()
	newAuthHandler(ring).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != apperrors.CodeMissingAPIKey {
		t.Fatalf("code = %s, want MISSING_API_KEY", code)
	}
}

func TestFeedAuthWrongKey(t *testing.T) {
	ring := NewKeyRing()
	ring.SetPartnerKey(repository.PartnerA, "secret-a", "")

	req := httptest.NewRequest("POST", "/api/feed/partner-a", nil)
	req.Header.Set("X-API-Key", "nope")
	rec := httptest.NewRecorder()
	newAuthHandler(ring).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != apperrors.CodeInvalidAPIKey {
		t.Fatalf("code = %s, want INVALID_API_KEY", code)
	}
}

func TestFeedAuthUnknownPartnerPath(t *testing.T) {
	ring := NewKeyRing()
	ring.SetMasterKey("master-key", "")

	req := httptest.NewRequest("POST", "/api/feed/partner-x", nil)
	req.Header.Set("X-API-Key", "master-key")
	rec := httptest.NewRecorder()
	newAuthHandler(ring).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != apperrors.CodeUnknownPartner {
		t.Fatalf("code = %s, want UNKNOWN_PARTNER", code)
	}
}

func TestFeedAuthAccepted(t *testing.T) {
	ring := NewKeyRing()
	ring.SetPartnerKey(repository.PartnerB, "secret-b", "")

	req := httptest.NewRequest("POST", "/api/feed/partner-b/batch", nil)
	req.Header.Set("X-API-Key", "secret-b")
	rec := httptest.NewRecorder()
	newAuthHandler(ring).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "PARTNER_B" {
		t.Fatalf("context partner = %q, want PARTNER_B", rec.Body.String())
	}
}
