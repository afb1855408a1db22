package utils

import (
	"context"
	"testing"
	"time"
)

func TestLeaseScriptsCompile(t *testing.T) {
	if leaseAcquireScript == nil || leaseReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestAcquireLease_ValidatesArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireLease(ctx, nil, "k", "h", time.Second); err == nil {
		t.Fatalf("expected nil client error")
	}
	if err := ReleaseLease(ctx, nil, "k", "h"); err == nil {
		t.Fatalf("expected nil client error")
	}
}

func TestRedisConfig_Defaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if c.PoolSize <= 0 || c.PingTimeout <= 0 {
		t.Fatalf("expected defaults applied: %+v", c)
	}
}
