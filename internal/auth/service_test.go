// internal/auth/service_test.go
package auth

import "testing"

func TestVerifyServiceToken(t *testing.T) {
	if !VerifyServiceToken("s3cret", "s3cret") {
		t.Fatal("matching token rejected")
	}
	if VerifyServiceToken("wrong", "s3cret") {
		t.Fatal("mismatched token accepted")
	}
	if VerifyServiceToken("s3cretbutlonger", "s3cret") {
		t.Fatal("prefix-extended token accepted")
	}
}

func TestVerifyServiceTokenDisabledWhenUnconfigured(t *testing.T) {
	if VerifyServiceToken("anything", "") {
		t.Fatal("empty configuration must disable the credential")
	}
	if VerifyServiceToken("", "") {
		t.Fatal("empty presented token must never match an empty secret")
	}
	if VerifyServiceToken("", "s3cret") {
		t.Fatal("empty presented token accepted")
	}
}
