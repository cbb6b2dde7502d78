package server

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/adred-codev/pusherbroker/internal/apps"
)

func hmacHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func md5Hex(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

func TestVerifyAdminSignatureAcceptsValidSignature(t *testing.T) {
	app := &apps.App{ID: "app1", Key: "key1", Secret: "shh"}

	canonical := "GET\n/apps/app1/channels\n"
	sig := hmacHex(app.Secret, canonical)

	req := httptest.NewRequest("GET", "/apps/app1/channels?auth_signature="+sig, nil)

	if !verifyAdminSignature(app, req, "/apps/app1/channels", nil) {
		t.Fatalf("expected a correctly signed request to verify")
	}
}

func TestVerifyAdminSignatureRejectsTamperedParam(t *testing.T) {
	app := &apps.App{ID: "app1", Key: "key1", Secret: "shh"}

	canonical := "GET\n/apps/app1/channels\nname=value"
	sig := hmacHex(app.Secret, canonical)

	// Request claims name=tampered but was signed for name=value.
	req := httptest.NewRequest("GET", "/apps/app1/channels?auth_signature="+sig+"&name=tampered", nil)

	if verifyAdminSignature(app, req, "/apps/app1/channels", nil) {
		t.Fatalf("expected tampered parameter to fail verification")
	}
}

func TestVerifyAdminSignatureIncludesBodyMD5(t *testing.T) {
	app := &apps.App{ID: "app1", Key: "key1", Secret: "shh"}
	body := []byte(`{"name":"room.announce"}`)

	canonical := "POST\n/apps/app1/events\nbody_md5=" + md5Hex(body)
	sig := hmacHex(app.Secret, canonical)

	req := httptest.NewRequest("POST", "/apps/app1/events?auth_signature="+sig, nil)

	if !verifyAdminSignature(app, req, "/apps/app1/events", body) {
		t.Fatalf("expected body_md5-inclusive signature to verify")
	}
}

func TestVerifyAdminSignatureRejectsMissingSignature(t *testing.T) {
	app := &apps.App{ID: "app1", Key: "key1", Secret: "shh"}
	req := httptest.NewRequest("GET", "/apps/app1/channels", nil)

	if verifyAdminSignature(app, req, "/apps/app1/channels", nil) {
		t.Fatalf("expected a request with no auth_signature to fail verification")
	}
}
