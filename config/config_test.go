package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coregx/wsrpc/wsrpc"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wsrpcd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":8080"
metrics_addr: ":9090"
heartbeat_ms: 15000
loop_delay_ms: 100
acquire_timeout_ms: 2000
answer_timeout_ms: 10000
protocols:
  - name: wsrpcjson
    uri: /ws
    kind: rest-json
  - name: wsrpcbinary
    uri: /ws-bin
    kind: rest-binary
    compression: true
    encryption_key: "s3cr3t"
  - name: wsrpcchat
    uri: /chat
    kind: chat
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Fatalf("unexpected addrs: %+v", cfg)
	}
	if len(cfg.Protocols) != 3 {
		t.Fatalf("expected 3 protocols, got %d", len(cfg.Protocols))
	}
	if cfg.Protocols[1].Compression != true || cfg.Protocols[1].EncryptionKey != "s3cr3t" {
		t.Fatalf("binary protocol options not parsed: %+v", cfg.Protocols[1])
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error loading a nonexistent file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen_addr: [this is not: valid")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error parsing malformed YAML")
	}
}

func TestBuildRegistryWiresProtocols(t *testing.T) {
	cfg := &Config{
		Protocols: []ProtocolConfig{
			{Name: "wsrpcjson", URI: "/ws", Kind: "rest-json"},
			{Name: "wsrpcbinary", URI: "/bin", Kind: "rest-binary", Compression: true},
		},
	}
	reg, err := cfg.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	if reg.Count() != 2 {
		t.Fatalf("expected 2 registered protocols, got %d", reg.Count())
	}
	got, ok := reg.CloneByName("wsrpcbinary", "/bin")
	if !ok {
		t.Fatal("expected wsrpcbinary to be registered")
	}
	if got.Kind != wsrpc.KindRestBinary || !got.Compression {
		t.Fatalf("protocol options lost in BuildRegistry: %+v", got)
	}
}

func TestBuildRegistryRejectsUnknownKind(t *testing.T) {
	cfg := &Config{Protocols: []ProtocolConfig{{Name: "x", URI: "/x", Kind: "carrier-pigeon"}}}
	if _, err := cfg.BuildRegistry(); err == nil {
		t.Fatal("expected an error for an unknown protocol kind")
	}
}

func TestBuildRegistryRejectsDuplicateProtocol(t *testing.T) {
	cfg := &Config{
		Protocols: []ProtocolConfig{
			{Name: "wsrpcjson", URI: "/ws", Kind: "rest-json"},
			{Name: "wsrpcjson", URI: "/ws", Kind: "rest-binary"},
		},
	}
	if _, err := cfg.BuildRegistry(); err == nil {
		t.Fatal("expected an error for a duplicate (name, uri) protocol entry")
	}
}

func TestConnOptionsTranslatesMillisecondsAndZeroMeansDefault(t *testing.T) {
	cfg := &Config{HeartbeatMS: 5000, LoopDelayMS: 0}
	opts := cfg.ConnOptions(nil, nil)
	if opts.Heartbeat != 5*time.Second {
		t.Fatalf("expected 5s heartbeat, got %v", opts.Heartbeat)
	}
	if opts.LoopDelay != 0 {
		t.Fatalf("expected zero loop delay to stay zero, got %v", opts.LoopDelay)
	}
}
