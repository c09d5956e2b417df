package tls

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	cert := touch(t, dir, "tls.crt", "x")
	key := touch(t, dir, "tls.key", "x")
	ca := touch(t, dir, "ca.crt", "x")

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"complete", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: ca}, false},
		{"missing ca", Config{Enabled: true, CertFile: cert, KeyFile: key}, true},
		{"nonexistent file", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: filepath.Join(dir, "nope")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateClient(t *testing.T) {
	dir := t.TempDir()
	cert := touch(t, dir, "client.crt", "x")
	key := touch(t, dir, "client.key", "x")
	ca := touch(t, dir, "ca.crt", "x")

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"ca only", Config{Enabled: true, CAFile: ca}, false},
		{"mutual", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: ca}, false},
		{"cert without key", Config{Enabled: true, CertFile: cert, CAFile: ca}, true},
		{"no ca", Config{Enabled: true, CertFile: cert, KeyFile: key}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.ValidateClient(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewClientTLSConfig_BadCA(t *testing.T) {
	dir := t.TempDir()
	ca := touch(t, dir, "ca.crt", "not a pem")

	if _, err := NewClientTLSConfig("", "", ca); err == nil {
		t.Error("NewClientTLSConfig() expected error for unparsable CA")
	}
}
