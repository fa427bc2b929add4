package config

import (
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
)

const pkA = "379e863e8357163b5bce5d2688dc4f1dcc2d505222fb8d74db600f30535dfdfe"

func TestKeyToHex(t *testing.T) {
	npub, err := nip19.EncodePublicKey(pkA)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"hex passthrough", pkA, pkA, false},
		{"npub decodes", npub, pkA, false},
		{"garbage", "not-a-key", "", true},
		{"wrong prefix", "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeyToHex(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("KeyToHex(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("KeyToHex(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("KeyToHex(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeDerivesDBPath(t *testing.T) {
	cfg := &Config{Datapath: "/tmp/notedeck-test"}
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/tmp/notedeck-test/db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}

	cfg = &Config{Datapath: "/tmp/notedeck-test", DBPath: "/elsewhere/db"}
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/elsewhere/db" {
		t.Errorf("override DBPath = %q", cfg.DBPath)
	}
}
