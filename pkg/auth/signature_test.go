package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncryptToken(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte("abc"))
	want := hex.EncodeToString(mac.Sum(nil))

	require.Equal(t, want, EncryptToken("shh", "abc"))
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"user.presence_status_updated"}`)
	v := Verifier{Secret: "secret"}
	sig := Sign("secret", "1700000000", body)
	require.Regexp(t, `^v0=[0-9a-f]{64}$`, sig)

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		want      error
	}{
		{"valid", sig, "1700000000", body, nil},
		{"tampered body", sig, "1700000000", []byte(`{}`), ErrSignatureMismatch},
		{"wrong timestamp", sig, "1700000001", body, ErrSignatureMismatch},
		{"wrong secret", Sign("other", "1700000000", body), "1700000000", body, ErrSignatureMismatch},
		{"missing signature", "", "1700000000", body, ErrMissingSignature},
		{"missing timestamp", sig, "", body, ErrMissingSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.signature, tt.timestamp, tt.body)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifySkew(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := Verifier{Secret: "s", MaxSkew: 5 * time.Minute, Now: func() time.Time { return now }}
	body := []byte("{}")

	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	require.NoError(t, v.Verify(Sign("s", fresh, body), fresh, body))

	millis := strconv.FormatInt(now.UnixMilli(), 10)
	require.NoError(t, v.Verify(Sign("s", millis, body), millis, body))

	old := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	require.ErrorIs(t, v.Verify(Sign("s", old, body), old, body), ErrStaleTimestamp)
}

func TestCheckPassword(t *testing.T) {
	hash, salt, err := GenerateHashAndSalt("hunter2")
	require.NoError(t, err)
	require.Len(t, salt, 32)
	require.True(t, CheckPassword("hunter2", salt, hash))
	require.False(t, CheckPassword("hunter3", salt, hash))
}
