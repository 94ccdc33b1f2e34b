package config

import "testing"

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ZonePrecision != 6 || cfg.ScanRadiusKm != 10 || cfg.ScanRadiusMaxKm != 20 || cfg.OTPLength != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	t.Setenv("ZONE_PRECISION", "0")
	t.Setenv("OTP_LENGTH", "2")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ZONE_PRECISION", "5")
	t.Setenv("SCAN_RADIUS_KM", "7.5")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ZonePrecision != 5 || cfg.ScanRadiusKm != 7.5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("broker list not trimmed: %v", cfg.KafkaBrokers)
	}
}
