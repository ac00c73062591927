package config

import (
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestParseReputationMap(t *testing.T) {
	identity := solana.NewWallet().PublicKey()

	cases := []struct {
		name    string
		raw     string
		wantErr string
		check   func(t *testing.T, got map[solana.PublicKey]ReputationEntry)
	}{
		{
			name: "empty input yields empty table",
			raw:  "  ",
			check: func(t *testing.T, got map[solana.PublicKey]ReputationEntry) {
				if len(got) != 0 {
					t.Fatalf("entries = %d, want 0", len(got))
				}
			},
		},
		{
			name: "valid entry",
			raw:  `{"` + identity.String() + `": {"level": 3, "score": 55}}`,
			check: func(t *testing.T, got map[solana.PublicKey]ReputationEntry) {
				entry, ok := got[identity]
				if !ok || entry.Level != 3 || entry.Score != 55 {
					t.Fatalf("entry = %+v ok=%v, want level 3 score 55", entry, ok)
				}
			},
		},
		{
			name:    "invalid identity",
			raw:     `{"not-base58!!": {"level": 2}}`,
			wantErr: "invalid identity",
		},
		{
			name:    "level zero rejected",
			raw:     `{"` + identity.String() + `": {"level": 0}}`,
			wantErr: "invalid level",
		},
		{
			name:    "level above five rejected",
			raw:     `{"` + identity.String() + `": {"level": 6}}`,
			wantErr: "invalid level",
		},
		{
			name:    "malformed json",
			raw:     `{`,
			wantErr: "parse SETTLEMENT_REPUTATION_JSON",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseReputationMap(tc.raw)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("error = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReputationMap() error = %v", err)
			}
			tc.check(t, got)
		})
	}
}
