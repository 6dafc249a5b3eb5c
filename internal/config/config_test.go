package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/weiss/nsca-ng/internal/pskconn/suite"
)

func TestLoadReceiverValid(t *testing.T) {
	yml := `
listen: "0.0.0.0:5668"
command_file: "/var/run/nsca.cmd"
temp_directory: "/tmp"
max_queue_size: 1
max_command_size: 4096
tls_ciphers: "PSK-AES256-CBC-SHA:PSK-AES128-CBC-SHA"
authorize:
  - identity: host1
    password: secret1
    commands: ["PROCESS_HOST_CHECK_RESULT"]
    hosts: ["host1"]
`
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yml)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}

	cfg, err := LoadReceiver(v)
	if err != nil {
		t.Fatalf("LoadReceiver() error = %v", err)
	}

	if cfg.Listen != "0.0.0.0:5668" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.MaxCommandSize != 4096 {
		t.Errorf("MaxCommandSize = %d, want 4096", cfg.MaxCommandSize)
	}
	if cfg.MaxQueueSizeBytes() != 1024*1024 {
		t.Errorf("MaxQueueSizeBytes() = %d, want 1MiB", cfg.MaxQueueSizeBytes())
	}
	if len(cfg.TLSCiphers) != 2 || cfg.TLSCiphers[0] != suite.AES256CBCSHA || cfg.TLSCiphers[1] != suite.AES128CBCSHA {
		t.Errorf("TLSCiphers = %v, want [AES256CBCSHA AES128CBCSHA]", cfg.TLSCiphers)
	}
	if len(cfg.Authorize) != 1 || cfg.Authorize[0].Identity != "host1" {
		t.Errorf("Authorize = %+v", cfg.Authorize)
	}
}

func TestLoadReceiverMissingListen(t *testing.T) {
	yml := `
command_file: "/var/run/nsca.cmd"
authorize:
  - identity: host1
    password: secret1
`
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yml)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}

	if _, err := LoadReceiver(v); err == nil {
		t.Fatalf("LoadReceiver() succeeded without listen, want error")
	}
}

func TestLoadReceiverDuplicateIdentity(t *testing.T) {
	yml := `
listen: "0.0.0.0:5668"
command_file: "/var/run/nsca.cmd"
authorize:
  - identity: host1
    password: secret1
  - identity: host1
    password: secret2
`
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yml)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}

	if _, err := LoadReceiver(v); err == nil {
		t.Fatalf("LoadReceiver() succeeded with duplicate identity, want error")
	}
}

func TestLoadSubmitterValid(t *testing.T) {
	yml := `
server: "monitor.example.com"
port: 5667
identity: host1
password: secret1
`
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yml)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}

	cfg, err := LoadSubmitter(v)
	if err != nil {
		t.Fatalf("LoadSubmitter() error = %v", err)
	}
	if cfg.Server != "monitor.example.com" {
		t.Errorf("Server = %q", cfg.Server)
	}
	if cfg.Port != 5667 {
		t.Errorf("Port = %d, want 5667", cfg.Port)
	}
}

func TestLoadSubmitterDefaultPort(t *testing.T) {
	yml := `
server: "monitor.example.com"
identity: host1
password: secret1
`
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yml)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}

	cfg, err := LoadSubmitter(v)
	if err != nil {
		t.Fatalf("LoadSubmitter() error = %v", err)
	}
	if cfg.Port != 5668 {
		t.Errorf("Port = %d, want default 5668", cfg.Port)
	}
}

func TestBuildAuthTable(t *testing.T) {
	blocks := []AuthorizeBlock{
		{Identity: "host1", Password: "secret", Commands: []string{"PROCESS_HOST_CHECK_RESULT"}, Hosts: []string{"host1"}},
	}

	tbl, err := BuildAuthTable(blocks)
	if err != nil {
		t.Fatalf("BuildAuthTable() error = %v", err)
	}

	psk, ok := tbl.CheckPSK("host1")
	if !ok || string(psk) != "secret" {
		t.Fatalf("CheckPSK() = (%q, %v)", psk, ok)
	}
}
