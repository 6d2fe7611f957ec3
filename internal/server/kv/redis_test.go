package kv

import "testing"

func TestKeyNamespaces(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"session", SessionKey("upload-7"), "mpu:upload-7"},
		{"code", CodeKey("BAKU-TEZA-42"), "code:BAKU-TEZA-42"},
		{"object", ObjectKey("2026/08/29/x__a.bin"), "obj:2026/08/29/x__a.bin"},
		{"upload auth", authKey(ScopeUpload, "upload-7", "tok"), "auth:up:upload-7:tok"},
		{"download auth", authKey(ScopeDownload, "BAKU-TEZA-42", "tok"), "auth:dl:BAKU-TEZA-42:tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestScopesNeverCollide(t *testing.T) {
	// The scope is part of the composite key, so the same subject and token
	// under different scopes must map to distinct keys.
	up := authKey(ScopeUpload, "subject", "token")
	dl := authKey(ScopeDownload, "subject", "token")
	if up == dl {
		t.Fatalf("scoped keys collide: %q", up)
	}
}
