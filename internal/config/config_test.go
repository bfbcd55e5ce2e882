package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ACTIVATION_INTERVAL", "")
	t.Setenv("BROADCAST_INTERVAL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.ActivationInterval)
	assert.Equal(t, 10*time.Second, cfg.BroadcastInterval)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1000, cfg.AlertGCThreshold)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ACTIVATION_INTERVAL", "5s")
	t.Setenv("BROADCAST_INTERVAL", "bogus")
	t.Setenv("KAFKA_BROKERS", " a:1, ,b:2 ")
	t.Setenv("SALES_WORKERS", "-3")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.ActivationInterval)
	assert.Equal(t, 10*time.Second, cfg.BroadcastInterval)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.SalesWorkers)
}

func TestLocation_FallsBackToUTC(t *testing.T) {
	cfg := Config{VenueTZ: "Nowhere/Atlantis"}
	assert.Equal(t, time.UTC, cfg.Location())
}
