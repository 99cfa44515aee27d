package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisClientUnconfigured(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	if _, err := NewRedisClient(context.Background()); err == nil {
		t.Fatal("expected error without REDIS_ADDR")
	}
}

func TestNewRedisClientPingsServer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "")
	client, err := NewRedisClient(context.Background())
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	defer client.Close()
}

func TestNewRedisClientRequireTLSGuard(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("REDIS_TLS", "")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	if _, err := NewRedisClient(context.Background()); err == nil {
		t.Fatal("expected require-tls guard error")
	}
}

func TestRedisTLSFromEnv(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	cfg, err := redisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config: %+v", cfg)
	}
}

func TestRedisTLSFromEnvInsecureGuard(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "false")
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
}

func TestRedisTLSFromEnvCertKeyPairGuard(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/non-existent-cert.pem")
	t.Setenv("REDIS_TLS_KEY_FILE", "")
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected cert/key mismatch error")
	}
}

func TestRedisTLSFromEnvMissingCAFile(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "/tmp/non-existent-ca.pem")
	if _, err := redisTLSFromEnv(); err == nil {
		t.Fatal("expected missing CA file error")
	}
}
