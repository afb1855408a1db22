package config

import (
	"testing"
	"time"
)

func valid(env string) Config {
	return Config{
		App:   AppConfig{Env: env, Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := valid("production")
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := valid("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.RingTimeout != 45*time.Second || c.Calls.ReconnectWindow != 10*time.Minute {
		t.Fatalf("unexpected call defaults: %+v", c.Calls)
	}
	if c.Calls.DefaultRole() != "parent" || c.MQTT.Enabled() {
		t.Fatalf("expected parent default and mqtt disabled, got %+v %+v", c.Calls, c.MQTT)
	}
}

func TestValidate_DefaultRoleNone(t *testing.T) {
	c := valid("dev")
	c.Calls.DefaultRecipientRole = "none"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Calls.DefaultRole() != "" {
		t.Fatalf("expected defaulting disabled")
	}

	c.Calls.DefaultRecipientRole = "child"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected child to be rejected as a default recipient")
	}
}

func TestValidate_SweepMustFitRingTimeout(t *testing.T) {
	c := valid("dev")
	c.Calls.RingTimeout = 10 * time.Second
	c.Calls.SweepInterval = time.Minute
	if err := c.Validate(); err == nil {
		t.Fatalf("expected sweep interval error")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	for k, v := range map[string]string{
		"APP_ENV": "local", "APP_PORT": "8080",
		"DB_HOST": "db", "DB_PORT": "5432", "DB_USER": "u", "DB_NAME": "calls",
		"REDIS_HOST": "redis", "REDIS_PORT": "6379",
		"JWT_SECRET":         "s",
		"MQTT_BROKER":        "tcp://mqtt:1883",
		"CALLS_RING_TIMEOUT": "30s",
	} {
		t.Setenv(k, v)
	}
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Calls.RingTimeout != 30*time.Second || !c.MQTT.Enabled() || c.MQTT.ClientID == "" {
		t.Fatalf("unexpected config: %+v", c)
	}

	t.Setenv("CALLS_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
