// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		want     string
	}{
		{
			name:     "multi tenant with resource",
			endpoint: Endpoint{UserID: "alice", AppID: "app1", Domain: "mmx", Resource: "dev1"},
			want:     "alice%app1@mmx/dev1",
		},
		{
			name:     "bared",
			endpoint: Endpoint{UserID: "alice", AppID: "app1", Domain: "mmx"},
			want:     "alice%app1@mmx",
		},
		{
			name:     "single tenant escapes at sign",
			endpoint: Endpoint{UserID: "bob@corp.com", Domain: "mmx"},
			want:     `bob\40corp.com@mmx`,
		},
		{
			name:     "escaped characters",
			endpoint: Endpoint{UserID: `a b"c&d'e:f<g>h\i`, AppID: "x", Domain: "mmx"},
			want:     `a\20b\22c\26d\27e\3af\3cg\3eh\5ci%x@mmx`,
		},
		{
			name:     "resource keeps slashes",
			endpoint: Endpoint{UserID: "u", AppID: "a", Domain: "d", Resource: "r/1@x"},
			want:     "u%a@d/r/1@x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := Decode(got)
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, back)
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		err      error
	}{
		{"slash in user", Endpoint{UserID: "a/b", AppID: "app", Domain: "d"}, ErrInvalidUserID},
		{"percent in user", Endpoint{UserID: "a%b", AppID: "app", Domain: "d"}, ErrInvalidUserID},
		{"at in multi tenant user", Endpoint{UserID: "a@b", AppID: "app", Domain: "d"}, ErrInvalidUserID},
		{"empty user", Endpoint{AppID: "app", Domain: "d"}, ErrInvalidUserID},
		{"long user", Endpoint{UserID: "abcdefghijabcdefghijabcdefghijabcdefghijabc", Domain: "d"}, ErrInvalidUserID},
		{"bad app", Endpoint{UserID: "a", AppID: "x%y", Domain: "d"}, ErrInvalidAppID},
		{"empty domain", Endpoint{UserID: "a", AppID: "app"}, ErrEmptyDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.endpoint)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"alice",
		"@mmx",
		"alice@",
		"alice@mmx/",
		"%app@mmx",
		"alice%@mmx",
		"a@b@mmx",
		`a\40b%app@mmx`,
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			e, err := Decode(in)
			assert.ErrorIs(t, err, ErrMalformedXID)
			assert.Equal(t, Endpoint{}, e, "decode must be all-or-nothing")
		})
	}
}

func TestDecodeSplitsOnLastPercent(t *testing.T) {
	userID, appID, err := DecodeNode("alice%tenant")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, "tenant", appID)

	userID, appID, err = DecodeNode("carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", userID)
	assert.Empty(t, appID)
}

func TestDecodeResourceWithSlash(t *testing.T) {
	e, err := Decode("alice%app@mmx/res/with/slash")
	require.NoError(t, err)
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, "mmx", e.Domain)
	assert.Equal(t, "res/with/slash", e.Resource)

	s, err := Encode(e)
	require.NoError(t, err)
	assert.Equal(t, "alice%app@mmx/res/with/slash", s)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("alice"))
	assert.True(t, Valid("a.b-c_d"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("a/b"))
	assert.False(t, Valid("a%b"))
	assert.False(t, Valid("a@b"))
	assert.NoError(t, ValidateUserID("a@b", false))
}

func TestEscapeRoundTrip(t *testing.T) {
	for _, s := range []string{"", "plain", `\`, `\\20`, `x\zz`, `@@//::`} {
		assert.Equal(t, s, Unescape(Escape(s)), s)
	}
	assert.Equal(t, `x\zz`, Unescape(`x\zz`))
	assert.Equal(t, "a/b", Unescape(`a\2Fb`))
}

func TestEndpoint(t *testing.T) {
	e := MustDecode("alice%app@mmx/phone")
	assert.False(t, e.IsBared())
	assert.True(t, e.Bare().IsBared())
	assert.Equal(t, "alice%app@mmx", e.Bare().String())
	assert.Equal(t, "tablet", e.WithResource("tablet").Resource)
	assert.True(t, e.Equal(MustDecode("ALICE%app@MMX/phone")))
	assert.False(t, e.Equal(e.Bare()))
	assert.Empty(t, Endpoint{UserID: "a/b", Domain: "d"}.String())
}
