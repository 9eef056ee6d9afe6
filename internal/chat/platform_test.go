// ABOUTME: Tests for platform parsing and recipient reference interpretation
// ABOUTME: Covers uuid recipients, prefixed handles, and raw-handle fallback

package chat

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("whatsapp")
	require.NoError(t, err)
	assert.Equal(t, PlatformWhatsApp, p)

	p, err = ParsePlatform(" TELEGRAM ")
	require.NoError(t, err)
	assert.Equal(t, PlatformTelegram, p)

	_, err = ParsePlatform("carrier-pigeon")
	require.Error(t, err)
}

func TestParseRecipientRef_InternalUserID(t *testing.T) {
	id := uuid.New().String()
	ref, err := ParseRecipientRef(id, PlatformInternal)
	require.NoError(t, err)
	assert.True(t, ref.Internal())
	assert.Equal(t, id, ref.UserID)
	assert.Equal(t, id, ref.String())
}

func TestParseRecipientRef_PrefixedHandle(t *testing.T) {
	ref, err := ParseRecipientRef("WHATSAPP:+5562999999999", PlatformInternal)
	require.NoError(t, err)
	assert.False(t, ref.Internal())
	assert.Equal(t, PlatformWhatsApp, ref.Platform)
	assert.Equal(t, "+5562999999999", ref.PlatformUserID)
	assert.Equal(t, "WHATSAPP:+5562999999999", ref.String())
}

func TestParseRecipientRef_RawHandleFallsBackToChannel(t *testing.T) {
	ref, err := ParseRecipientRef("+5562999999999", PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, PlatformWhatsApp, ref.Platform)
	assert.Equal(t, "+5562999999999", ref.PlatformUserID)
}

func TestParseRecipientRef_Rejections(t *testing.T) {
	// A raw handle with no channel to type it is unusable.
	_, err := ParseRecipientRef("someone", PlatformInternal)
	require.Error(t, err)

	_, err = ParseRecipientRef("", PlatformWhatsApp)
	require.Error(t, err)

	_, err = ParseRecipientRef("TELEGRAM:", PlatformInternal)
	require.Error(t, err)
}
