package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("loud", "text")
	assert.Error(t, err)
}

func TestWhatsAppBridgeFiltersAndNests(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithOutput(&buf, "debug", "json")
	require.NoError(t, err)

	wa := WhatsApp(log, "Client", "WARN")
	wa.Infof("dropped %d", 1)
	assert.Empty(t, buf.String())

	wa.Sub("Socket").Warnf("kept %d", 2)
	assert.Contains(t, buf.String(), "kept 2")
	assert.Contains(t, buf.String(), `"module":"Client/Socket"`)
}
