package auth_test

import (
	"testing"
	"time"

	"github.com/omochice/channel-relay/internal/auth"
	"github.com/stretchr/testify/require"
)

func TestStaticTokens_Authenticate(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		token   string
		wantErr error
	}{
		{name: "empty list accepts anything", token: "whatever"},
		{name: "empty list accepts no token", token: ""},
		{name: "blank entries are ignored", allowed: []string{"", ""}, token: "x"},
		{name: "listed token", allowed: []string{"tok123", "other"}, token: "tok123"},
		{name: "unlisted token", allowed: []string{"tok123"}, token: "nope", wantErr: auth.ErrInvalidToken},
		{name: "missing token", allowed: []string{"tok123"}, token: "", wantErr: auth.ErrMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.NewStaticTokens(tt.allowed...).Authenticate(tt.token)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJWT_IssueAndParse(t *testing.T) {
	req := require.New(t)
	j := auth.NewJWT("secret-key-for-tests", "channel-relay")

	token, err := j.Issue("Alice", time.Minute)
	req.NoError(err)

	claims, err := j.Parse(token)
	req.NoError(err)
	req.Equal("Alice", claims.Name)
	req.Equal("Alice", claims.Subject)
	req.Equal("channel-relay", claims.Issuer)
	req.NoError(j.Authenticate(token))
}

func TestJWT_Rejects(t *testing.T) {
	req := require.New(t)
	j := auth.NewJWT("secret-key-for-tests", "channel-relay")

	expired, err := j.Issue("Alice", -time.Minute)
	req.NoError(err)
	req.ErrorIs(j.Authenticate(expired), auth.ErrInvalidToken)

	foreign, err := auth.NewJWT("another-secret", "channel-relay").Issue("Alice", time.Minute)
	req.NoError(err)
	req.ErrorIs(j.Authenticate(foreign), auth.ErrInvalidToken)

	otherIssuer, err := auth.NewJWT("secret-key-for-tests", "someone-else").Issue("Alice", time.Minute)
	req.NoError(err)
	req.ErrorIs(j.Authenticate(otherIssuer), auth.ErrInvalidToken)

	req.ErrorIs(j.Authenticate("not-a-jwt"), auth.ErrInvalidToken)
	req.ErrorIs(j.Authenticate(""), auth.ErrMissingToken)
}
