package lists

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
)

func testDefs() []config.ListConfig {
	return []config.ListConfig{
		{
			Name:          "announce",
			Address:       "Announce@Example.com",
			Owner:         "owner@example.com",
			BannedSenders: []string{"spammer@example.com", "@evil.example"},
			Members:       []string{"m1@example.com"},
			Chain: []config.LinkConfig{
				{Rule: "max-size", Action: "hold"},
			},
		},
		{
			Name:    "dev",
			Address: "dev@example.com",
		},
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(testDefs())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []string{"announce", "dev"}, r.Names())

	l, err := r.Get("announce")
	require.NoError(t, err)
	assert.Equal(t, "announce@example.com", l.Address, "address is stored lowercased")
	require.Len(t, l.Chain, 1)
	assert.Equal(t, LinkSpec{Rule: "max-size", Action: "hold"}, l.Chain[0])
}

func TestNewRegistryRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name string
		defs []config.ListConfig
	}{
		{
			name: "missing name",
			defs: []config.ListConfig{{Address: "x@example.com"}},
		},
		{
			name: "missing address",
			defs: []config.ListConfig{{Name: "x"}},
		},
		{
			name: "duplicate name",
			defs: []config.ListConfig{
				{Name: "x", Address: "x@example.com"},
				{Name: "x", Address: "y@example.com"},
			},
		},
		{
			name: "invalid suspicious pattern",
			defs: []config.ListConfig{
				{Name: "x", Address: "x@example.com", Suspicious: "("},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.defs)
			assert.Error(t, err)
		})
	}
}

func TestGetUnknown(t *testing.T) {
	r, err := NewRegistry(testDefs())
	require.NoError(t, err)

	_, err = r.Get("ghost")
	assert.ErrorIs(t, err, consts.ErrListUnknown)
	_, err = r.GetByAddress("ghost@example.com")
	assert.ErrorIs(t, err, consts.ErrListUnknown)
}

func TestGetByAddressIsCaseInsensitive(t *testing.T) {
	r, err := NewRegistry(testDefs())
	require.NoError(t, err)

	for _, addr := range []string{"announce@example.com", "Announce@Example.COM", " announce@example.com "} {
		l, err := r.GetByAddress(addr)
		require.NoError(t, err, "address %q", addr)
		assert.Equal(t, "announce", l.Name)
	}
}

func TestOwnerAddress(t *testing.T) {
	assert.Equal(t, "owner@example.com",
		(&List{Address: "announce@example.com", Owner: "owner@example.com"}).OwnerAddress())
	assert.Equal(t, "announce-owner@example.com",
		(&List{Address: "announce@example.com"}).OwnerAddress())
	assert.Equal(t, "broken",
		(&List{Address: "broken"}).OwnerAddress())
}

func TestIsBanned(t *testing.T) {
	l := &List{BannedSenders: []string{"spammer@example.com", "@evil.example", "", " Shouty@Example.COM "}}

	tests := []struct {
		sender string
		want   bool
	}{
		{"spammer@example.com", true},
		{"Spammer@Example.COM", true},
		{"shouty@example.com", true},
		{"anyone@evil.example", true},
		{"bob@example.com", false},
		{"evil.example@example.com", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, l.IsBanned(tc.sender), "sender %q", tc.sender)
	}
}

func TestStaticSource(t *testing.T) {
	src := &StaticSource{Defs: testDefs()}
	r, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	// Each load returns a fresh snapshot.
	r2, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, r, r2)
}
