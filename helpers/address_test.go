package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitEmailAddress(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantLocal  string
		wantDomain string
		wantErr    bool
	}{
		{
			name:       "simple address",
			input:      "bob@example.com",
			wantLocal:  "bob",
			wantDomain: "example.com",
		},
		{
			name:       "uppercase lowered",
			input:      "Bob@Example.COM",
			wantLocal:  "bob",
			wantDomain: "example.com",
		},
		{
			name:       "surrounding whitespace",
			input:      "  bob@example.com  ",
			wantLocal:  "bob",
			wantDomain: "example.com",
		},
		{
			name:       "quoted local part with at sign",
			input:      `"smart@alec"@example.com`,
			wantLocal:  `"smart@alec"`,
			wantDomain: "example.com",
		},
		{
			name:    "no at sign",
			input:   "bob",
			wantErr: true,
		},
		{
			name:    "empty local part",
			input:   "@example.com",
			wantErr: true,
		},
		{
			name:    "empty domain",
			input:   "bob@",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			local, domain, err := SplitEmailAddress(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.wantLocal, local)
			assert.Equal(t, tc.wantDomain, domain)
		})
	}
}

func TestCanonicalAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "bare address",
			input: "bob@example.com",
			want:  "bob@example.com",
		},
		{
			name:  "display name",
			input: "Bob Example <Bob@Example.com>",
			want:  "bob@example.com",
		},
		{
			name:  "unparseable falls back to trimmed lowercase",
			input: "  Not An Address  ",
			want:  "not an address",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalAddress(tc.input))
		})
	}
}
