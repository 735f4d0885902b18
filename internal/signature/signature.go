// Package signature verifies the three keyed-digest schemes used by the
// storefront platform: App Proxy query signatures, OAuth callback HMACs,
// and raw-body webhook HMACs.
//
// The schemes share an HMAC-SHA256 core but differ in how the signed
// message is canonicalized and how the digest is encoded:
//
//   - App Proxy: sorted key=value pairs concatenated with NO separator,
//     hex digest, claimed value in the "signature" query parameter.
//   - OAuth: sorted key=value pairs joined with "&", hex digest, claimed
//     value in "hmac" (preferred) or "signature".
//   - Webhook: the exact raw request body, base64 digest, claimed value
//     in the X-Shopify-Hmac-Sha256 header.
//
// All comparisons are constant-time and every failure mode (missing
// secret, missing claimed signature, length mismatch) returns false
// rather than an error: a request that cannot be verified is simply
// unauthenticated.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// VerifyProxy checks an App Proxy signature over the request's query
// parameters. The "signature" parameter carries the claimed digest and is
// excluded from the signed message.
func VerifyProxy(query url.Values, secret string) bool {
	claimed := query.Get("signature")
	if claimed == "" || secret == "" {
		return false
	}
	message := canonicalize(query, "", []string{"signature"})
	return safeEqual(hexDigest(message, secret), claimed)
}

// VerifyOAuth checks an OAuth callback HMAC over the query parameters.
// The claimed digest may arrive under "hmac" or, for legacy callers,
// "signature"; the dedicated field wins when both are present. Both
// fields are excluded from the signed message.
func VerifyOAuth(query url.Values, secret string) bool {
	claimed := query.Get("hmac")
	if claimed == "" {
		claimed = query.Get("signature")
	}
	if claimed == "" || secret == "" {
		return false
	}
	message := canonicalize(query, "&", []string{"hmac", "signature"})
	return safeEqual(hexDigest(message, secret), claimed)
}

// VerifyWebhook checks a webhook HMAC over the exact raw request body.
// The body must not have been parsed or re-serialized first; any byte
// difference invalidates the digest.
func VerifyWebhook(rawBody []byte, claimed, secret string) bool {
	if claimed == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	digest := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return safeEqual(digest, claimed)
}

// canonicalize builds the signed message: keys sorted ascending, each
// rendered as key=value with repeated values joined by commas, pairs
// joined by sep. Excluded keys carry the claimed digest and never sign
// themselves.
func canonicalize(query url.Values, sep string, exclude []string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if contains(exclude, k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+strings.Join(query[k], ","))
	}
	return strings.Join(pairs, sep)
}

func hexDigest(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// safeEqual compares two strings in constant time. Mismatched lengths
// fail closed without leaking timing.
func safeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
