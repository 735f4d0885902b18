package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"testing"
)

const testSecret = "shpss_test_secret"

func proxySign(t *testing.T, message string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyProxy_Valid(t *testing.T) {
	// Canonical form: sorted keys, no separator between pairs.
	message := "logged_in_customer_id=123" + "path_prefix=/apps/casino" + "shop=demo.myshopify.com" + "timestamp=1700000000"

	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("path_prefix", "/apps/casino")
	q.Set("timestamp", "1700000000")
	q.Set("logged_in_customer_id", "123")
	q.Set("signature", proxySign(t, message))

	if !VerifyProxy(q, testSecret) {
		t.Fatal("Expected valid proxy signature to verify")
	}
}

func TestVerifyProxy_ArrayValuesCommaJoined(t *testing.T) {
	message := "a=1,2" + "b=x"

	q := url.Values{}
	q.Add("a", "1")
	q.Add("a", "2")
	q.Set("b", "x")
	q.Set("signature", proxySign(t, message))

	if !VerifyProxy(q, testSecret) {
		t.Fatal("Expected multi-value params to join with commas")
	}
}

func TestVerifyProxy_KeyOrderIrrelevant(t *testing.T) {
	message := "a=1" + "b=2" + "c=3"
	sig := proxySign(t, message)

	values := map[string]string{"a": "1", "b": "2", "c": "3"}

	// Build the same logical query twice with different insertion order.
	for _, keys := range [][]string{{"a", "b", "c"}, {"c", "a", "b"}} {
		q := url.Values{}
		for _, k := range keys {
			q.Set(k, values[k])
		}
		q.Set("signature", sig)
		if !VerifyProxy(q, testSecret) {
			t.Fatalf("Expected signature to verify regardless of insertion order %v", keys)
		}
	}
}

func TestVerifyProxy_TamperedValue(t *testing.T) {
	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("signature", proxySign(t, "shop=demo.myshopify.com"))

	q.Set("shop", "evil.myshopify.com")
	if VerifyProxy(q, testSecret) {
		t.Fatal("Expected tampered query to fail verification")
	}
}

func TestVerifyProxy_MissingSignatureOrSecret(t *testing.T) {
	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")

	if VerifyProxy(q, testSecret) {
		t.Error("Expected missing signature to fail")
	}

	q.Set("signature", proxySign(t, "shop=demo.myshopify.com"))
	if VerifyProxy(q, "") {
		t.Error("Expected missing secret to fail")
	}
}

func TestVerifyProxy_WrongLengthSignature(t *testing.T) {
	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("signature", "deadbeef") // too short for sha256 hex

	if VerifyProxy(q, testSecret) {
		t.Fatal("Expected short claimed signature to fail closed")
	}
}

func TestVerifyOAuth_Valid(t *testing.T) {
	// OAuth canonical form joins pairs with '&'.
	message := "code=abc&shop=demo.myshopify.com&state=xyz&timestamp=1700000000"

	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("code", "abc")
	q.Set("state", "xyz")
	q.Set("timestamp", "1700000000")
	q.Set("hmac", proxySign(t, message))

	if !VerifyOAuth(q, testSecret) {
		t.Fatal("Expected valid OAuth hmac to verify")
	}
}

func TestVerifyOAuth_FallsBackToSignatureField(t *testing.T) {
	message := "code=abc&shop=demo.myshopify.com"

	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("code", "abc")
	q.Set("signature", proxySign(t, message))

	if !VerifyOAuth(q, testSecret) {
		t.Fatal("Expected legacy signature field to be accepted")
	}
}

func TestVerifyOAuth_HmacFieldPreferred(t *testing.T) {
	message := "code=abc&shop=demo.myshopify.com"

	q := url.Values{}
	q.Set("shop", "demo.myshopify.com")
	q.Set("code", "abc")
	q.Set("hmac", proxySign(t, message))
	q.Set("signature", "not-a-digest")

	if !VerifyOAuth(q, testSecret) {
		t.Fatal("Expected hmac field to win over signature field")
	}
}

func TestVerifyOAuth_BothClaimFieldsExcludedFromMessage(t *testing.T) {
	// Neither hmac nor signature may contribute to the signed message.
	message := "code=abc"

	q := url.Values{}
	q.Set("code", "abc")
	q.Set("hmac", proxySign(t, message))
	q.Set("signature", "garbage")

	if !VerifyOAuth(q, testSecret) {
		t.Fatal("Expected signature field to be excluded from the message")
	}
}

func TestVerifyOAuth_Tampered(t *testing.T) {
	q := url.Values{}
	q.Set("code", "abc")
	q.Set("hmac", proxySign(t, "code=abc"))

	q.Set("code", "abd")
	if VerifyOAuth(q, testSecret) {
		t.Fatal("Expected single-character mutation to fail")
	}
}

func TestVerifyWebhook_Valid(t *testing.T) {
	body := []byte(`{"id":1001,"line_items":[{"variant_id":42,"quantity":3}]}`)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	header := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !VerifyWebhook(body, header, testSecret) {
		t.Fatal("Expected valid webhook hmac to verify")
	}
}

func TestVerifyWebhook_TamperedBody(t *testing.T) {
	body := []byte(`{"id":1001}`)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	header := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if VerifyWebhook([]byte(`{"id":1002}`), header, testSecret) {
		t.Fatal("Expected tampered body to fail verification")
	}
}

func TestVerifyWebhook_MissingHeaderOrSecret(t *testing.T) {
	body := []byte(`{}`)

	if VerifyWebhook(body, "", testSecret) {
		t.Error("Expected empty header to fail")
	}
	if VerifyWebhook(body, "c2ln", "") {
		t.Error("Expected empty secret to fail")
	}
}

func TestCanonicalize_Deterministic(t *testing.T) {
	q := url.Values{}
	q.Set("b", "2")
	q.Set("a", "1")
	q.Add("c", "3")
	q.Add("c", "4")

	first := canonicalize(q, "&", nil)
	second := canonicalize(q, "&", nil)
	if first != second {
		t.Fatalf("Expected deterministic canonicalization, got %q then %q", first, second)
	}
	if first != "a=1&b=2&c=3,4" {
		t.Fatalf("Unexpected canonical string %q", first)
	}
}
