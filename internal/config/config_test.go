package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": true, "path": "/tmp/x.log", "max_size_mb": 5}},
  "http": {"addr": "127.0.0.1:9000", "read_timeout": "5s", "rate_limit": {"enabled": true, "per_sec": 10, "burst": 20}},
  "validation": {"max_recipients": 100, "phone_digits": 11},
  "topology": {
    "fixed": [
      {"name": "big", "capacity": 50, "addresses": ["a", "b"]},
      {"name": "mid", "capacity": 7, "addresses": ["c"]}
    ],
    "elastic": {"prefix": "e-", "start": 0}
  },
  "metrics": {"enabled": true},
  "stats": {"enabled": true, "schedule": "@hourly"},
  "systemd": {"notify": false}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: /tmp/x.log
    max_size_mb: 5
http:
  addr: "127.0.0.1:9000"
  read_timeout: 5s
  rate_limit:
    enabled: true
    per_sec: 10
    burst: 20
validation:
  max_recipients: 100
  phone_digits: 11
topology:
  fixed:
    - name: big
      capacity: 50
      addresses: [a, b]
    - name: mid
      capacity: 7
      addresses: [c]
  elastic:
    prefix: e-
    start: 0
metrics:
  enabled: true
stats:
  enabled: true
  schedule: "@hourly"
systemd:
  notify: false
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestYAMLAndJSONDecodeIdentically(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jc, err := NewConfigManager(writeFile(t, dir, "c.json", sampleJSON)).Load()
	if err != nil {
		t.Fatalf("json load: %v", err)
	}
	yc, err := NewConfigManager(writeFile(t, dir, "c.yaml", sampleYAML)).Load()
	if err != nil {
		t.Fatalf("yaml load: %v", err)
	}
	if !reflect.DeepEqual(jc, yc) {
		t.Fatalf("json and yaml differ:\njson=%+v\nyaml=%+v", jc, yc)
	}
	if jc.Topology.Elastic == nil || jc.Topology.Elastic.Start == nil || *jc.Topology.Elastic.Start != 0 {
		t.Fatalf("explicit elastic start 0 lost: %+v", jc.Topology.Elastic)
	}
	if len(*jc.Topology.Fixed) != 2 || (*jc.Topology.Fixed)[1].Capacity != 7 {
		t.Fatalf("unexpected tiers: %+v", *jc.Topology.Fixed)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown json field", path: "c.json", body: `{"logging": {"level": "info", "colour": true}}`},
		{name: "unknown yaml field", path: "c.yml", body: "http:\n  port: 8080\n"},
		{name: "trailing json", path: "c.json", body: `{} {}`},
		{name: "bad yaml", path: "c.yaml", body: "logging: [unterminated"},
		{name: "wrong type", path: "c.json", body: `{"validation": {"max_recipients": "many"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("expected error for %s", tt.body)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte("\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("empty file should decode to defaults, got %+v", cfg)
	}
}

func TestDecodeKeepsDefaultsForOmittedKeys(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.json", []byte(`{
		"http": {"addr": "127.0.0.1:9"},
		"stats": {"schedule": "@hourly"},
		"topology": {"elastic": {"prefix": "w-"}}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	def := Default()
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("omitted metrics section turned off: %+v", cfg.Metrics)
	}
	if !cfg.Stats.Enabled || cfg.Stats.Schedule != "@hourly" {
		t.Fatalf("stats = %+v", cfg.Stats)
	}
	if !cfg.Systemd.Notify || cfg.HTTP.RoutePath != def.HTTP.RoutePath || cfg.HTTP.ReadTimeout != def.HTTP.ReadTimeout {
		t.Fatalf("http/systemd defaults lost: %+v %+v", cfg.HTTP, cfg.Systemd)
	}
	if !reflect.DeepEqual(cfg.Topology.Fixed, def.Topology.Fixed) {
		t.Fatalf("stock tiers lost: %+v", cfg.Topology.Fixed)
	}
	if cfg.Topology.Elastic.Prefix != "w-" || *cfg.Topology.Elastic.Start != 1 {
		t.Fatalf("elastic = %+v", cfg.Topology.Elastic)
	}

	// An explicit section still wins, and a tier list is replaced, not merged.
	cfg, err = Decode("c.json", []byte(`{
		"metrics": {"enabled": false},
		"topology": {"fixed": [{"name": "solo", "capacity": 3, "addresses": ["x"]}]}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("explicit metrics.enabled=false ignored")
	}
	if got := *cfg.Topology.Fixed; !reflect.DeepEqual(got, []TierConfig{{Name: "solo", Capacity: 3, Addresses: []string{"x"}}}) {
		t.Fatalf("fixed = %+v", got)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "nope.json"))
	cfg, missing, err := m.LoadOrDefault()
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if !missing {
		t.Fatal("expected missing=true")
	}
	if m.Get() != cfg {
		t.Fatal("default config was not committed")
	}
	if cfg.HTTP.RoutePath != "/message/route" || cfg.Validation.MaxRecipients != 5000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOrDefaultPropagatesParseErrors(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "c.json", `{"nope": 1}`))
	if _, _, err := m.LoadOrDefault(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "c.json", `{"logging": {"level": "info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	changed, err := m.Reload(ctx)
	if err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return errors.New("trace not allowed")
		}
		return nil
	})

	writeFile(t, dir, "c.json", `{"logging": {"level": "trace"}}`)
	if _, err := m.Reload(ctx); err == nil || !strings.Contains(err.Error(), "trace not allowed") {
		t.Fatalf("expected validator rejection, got %v", err)
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}

	writeFile(t, dir, "c.json", `{"logging": {"level": "warn"}}`)
	changed, err = m.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("reload: changed=%v err=%v", changed, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("expected published config")
	}
}

func TestPublishKeepsLatestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	first := &Config{Logging: LoggingConfig{Level: "a"}}
	second := &Config{Logging: LoggingConfig{Level: "b"}}
	m.publish(first)
	m.publish(second)

	got := <-sub
	if got != second {
		t.Fatalf("expected latest config, got level %q", got.Logging.Level)
	}
}

func TestWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.yaml", "logging:\n  level: info\n")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			writeFile(t, dir, "c.yaml", "logging:\n  level: debug\n")
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}

func TestHTTPTimeouts(t *testing.T) {
	t.Parallel()
	to, err := HTTPConfig{}.Timeouts()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if to != (HTTPTimeouts{Read: 10 * time.Second, Write: 10 * time.Second, Idle: time.Minute, Shutdown: 10 * time.Second}) {
		t.Fatalf("defaults = %+v", to)
	}

	to, err = HTTPConfig{ReadTimeout: " 250ms ", IdleTimeout: "0s", ShutdownTimeout: "3s"}.Timeouts()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if to.Read != 250*time.Millisecond || to.Idle != time.Minute || to.Shutdown != 3*time.Second {
		t.Fatalf("parsed = %+v", to)
	}

	tests := []struct {
		cfg  HTTPConfig
		want string
	}{
		{HTTPConfig{ReadTimeout: "soon"}, "http.read_timeout: invalid duration"},
		{HTTPConfig{WriteTimeout: "5"}, "http.write_timeout"},
		{HTTPConfig{ShutdownTimeout: "-1s"}, "http.shutdown_timeout: duration must be >= 0"},
	}
	for _, tt := range tests {
		_, err := tt.cfg.Timeouts()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%+v: got %v, want %q", tt.cfg, err, tt.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.HTTP.RateLimit.Enabled = true
	b.Pprof.Token = "secret"
	fixed := append([]TierConfig(nil), (*b.Topology.Fixed)...)
	fixed[0].Capacity = 30
	b.Topology.Fixed = &fixed

	changed, attrs, restart := SummarizeConfigChange(a, b)
	if !reflect.DeepEqual(changed, []string{"logging", "http.rate_limit", "topology", "pprof"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if !reflect.DeepEqual(restart, []string{"topology"}) {
		t.Fatalf("restart = %v", restart)
	}

	changed, _, restart = SummarizeConfigChange(a, Default())
	if len(changed) != 0 || len(restart) != 0 {
		t.Fatalf("expected no changes, got %v / %v", changed, restart)
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(filepath.Join("..", "..", "config.example.yaml")).Load()
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	def := Default()
	for name, pair := range map[string][2]any{
		"validation": {cfg.Validation, def.Validation},
		"topology":   {cfg.Topology, def.Topology},
		"metrics":    {cfg.Metrics, def.Metrics},
		"stats":      {cfg.Stats, def.Stats},
		"systemd":    {cfg.Systemd, def.Systemd},
		"pprof":      {cfg.Pprof, def.Pprof},
	} {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			t.Errorf("%s: example=%+v default=%+v", name, pair[0], pair[1])
		}
	}
	if cfg.HTTP.Addr != def.HTTP.Addr || cfg.HTTP.RoutePath != def.HTTP.RoutePath || cfg.HTTP.MaxBodyBytes != def.HTTP.MaxBodyBytes {
		t.Errorf("http: example=%+v default=%+v", cfg.HTTP, def.HTTP)
	}
}
