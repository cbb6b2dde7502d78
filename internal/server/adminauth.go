// Package server wires every component into a running broker process:
// the WebSocket upgrade endpoint, the admin/API HTTP surface, and the
// dispatch.Sink that delivers handler replies back onto connections.
// adminauth.go implements the canonical-string HMAC signature scheme
// SPEC_FULL.md §6.4 names, grounded on channel.VerifySignature's
// hex-HMAC-SHA256 pattern (§6.2), generalized to the admin API's
// multi-parameter canonical string instead of a fixed message.
package server

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/adred-codev/pusherbroker/internal/apps"
)

var excludedParams = map[string]struct{}{
	"auth_signature": {},
	"body_md5":       {},
	"appId":          {},
	"appKey":         {},
	"channelName":    {},
}

// verifyAdminSignature checks r's auth_signature against app.Secret per
// §6.4's canonical string: "<METHOD>\n/<path>\nkey1=value1&...", sorted
// lexicographically, excludedParams stripped, with body_md5 appended when
// body is non-empty.
func verifyAdminSignature(app *apps.App, r *http.Request, path string, body []byte) bool {
	q := r.URL.Query()
	signature := q.Get("auth_signature")
	if signature == "" {
		return false
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		if _, excluded := excludedParams[k]; excluded {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		pairs = append(pairs, k+"="+q.Get(k))
	}
	if len(body) > 0 {
		sum := md5.Sum(body)
		pairs = append(pairs, "body_md5="+hex.EncodeToString(sum[:]))
		sort.Strings(pairs)
	}

	canonical := r.Method + "\n" + path + "\n" + strings.Join(pairs, "&")

	mac := hmac.New(sha256.New, []byte(app.Secret))
	mac.Write([]byte(canonical))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
