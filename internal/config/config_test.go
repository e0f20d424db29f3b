package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
	if cfg.Transcode.Codec != "libmp3lame" || cfg.Transcode.Bitrate != "20k" || cfg.Transcode.Concurrency != 2 {
		t.Fatalf("transcode = %+v", cfg.Transcode)
	}
	if cfg.Ingest.MaxUploadBytes != 512<<20 || cfg.Ingest.RetentionWindow != time.Hour {
		t.Fatalf("ingest = %+v", cfg.Ingest)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Fatalf("origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("TRANSCODE_BITRATE", "64k")
	t.Setenv("STT_TIMEOUT", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Transcode.Bitrate != "64k" || cfg.STT.Timeout != 90*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("TRANSCODE_CONCURRENCY", "two")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "TRANSCODE_CONCURRENCY") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "key")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.STT.Backend = "whisper.cpp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown backend should fail validation")
	}

	cfg.STT.Backend = "openai"
	cfg.Storage.SupabaseKey = ""
	cfg.STT.OpenAIKey = ""
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "SUPABASE_SERVICE_KEY") || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("err = %v", err)
	}
}
