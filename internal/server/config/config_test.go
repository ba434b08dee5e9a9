package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()

	assert.Equal(t, ":5000", cfg.EndpointAddrHTTP)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenValidityDuration)
	assert.NotEmpty(t, cfg.DatabaseDSN)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.NotEmpty(t, cfg.KeyCustodySecret)
	assert.NotEmpty(t, cfg.S3Bucket)
}

func TestJsonConfig_DurationForms(t *testing.T) {
	var c JsonConfig
	err := json.Unmarshal([]byte(`{"token_validity_duration":"48h"}`), &c)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, c.TokenValidityDuration.Duration)

	var c2 JsonConfig
	err = json.Unmarshal([]byte(`{"token_validity_duration":1000000000}`), &c2)
	require.NoError(t, err)
	assert.Equal(t, time.Second, c2.TokenValidityDuration.Duration)
}
