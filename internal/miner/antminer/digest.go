package antminer

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Minimal Digest auth (MD5, qop=auth) for the lighttpd builds shipping on
// stock Antminer control boards. Not a full RFC implementation.

type digestChallenge struct {
	realm  string
	nonce  string
	qop    string
	opaque string
}

func parseDigestChallenge(h string) (digestChallenge, bool) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(strings.ToLower(h), "digest ") {
		return digestChallenge{}, false
	}
	var c digestChallenge
	for _, p := range strings.Split(h[len("digest "):], ",") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		v := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "realm":
			c.realm = v
		case "nonce":
			c.nonce = v
		case "qop":
			c.qop = v
		case "opaque":
			c.opaque = v
		}
	}
	if c.realm == "" || c.nonce == "" {
		return digestChallenge{}, false
	}
	return c, true
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func buildDigestAuth(username, password, method, uri string, c digestChallenge) string {
	ha1 := md5hex(username + ":" + c.realm + ":" + password)
	ha2 := md5hex(method + ":" + uri)

	qop := ""
	if strings.Contains(strings.ToLower(c.qop), "auth") || c.qop == "" {
		qop = "auth"
	}
	nc := "00000001"
	cb := make([]byte, 8)
	_, _ = rand.Read(cb)
	cnonce := hex.EncodeToString(cb)

	var resp string
	if qop != "" {
		resp = md5hex(ha1 + ":" + c.nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	} else {
		resp = md5hex(ha1 + ":" + c.nonce + ":" + ha2)
	}

	out := fmt.Sprintf(`Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		username, c.realm, c.nonce, uri, resp)
	if c.opaque != "" {
		out += fmt.Sprintf(`, opaque=%q`, c.opaque)
	}
	if qop != "" {
		out += fmt.Sprintf(`, qop=%s, nc=%s, cnonce=%q`, qop, nc, cnonce)
	}
	return out
}
