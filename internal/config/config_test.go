package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_PopulatesAllSections(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, int64(defaultCheckAvailableSpaceMiB), cfg.Engine.CheckAvailableSpaceMiB)
	assert.Equal(t, defaultHoldingQueueMaxConcurrent, cfg.Engine.HoldingQueueMaxConcurrent)
	assert.False(t, cfg.Engine.RequireWiFi)
	assert.Equal(t, defaultLogLevel, cfg.Logging.LogLevel)
	assert.Equal(t, defaultConnectTimeout, cfg.Network.ConnectTimeout)
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_RejectsOutOfRangeTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.RequestTimeoutSeconds = 0

	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsExternalStorageWithoutPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.UseExternalStorage = true

	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsProxyPortWithoutRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.ProxyAddress = "proxy.example.com"
	cfg.Engine.ProxyPort = 0

	assert.Error(t, Validate(cfg))
}
