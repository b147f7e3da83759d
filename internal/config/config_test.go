package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"oracle-engine/internal/gate"
)

const sampleYAML = `
oracle:
  quote_token: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  quote_decimals: 6
  general_sources: [cow]
  timestamp_policy: earliest
  source_max_age: 5m
  history_capacity: 64
  gate:
    policy: threshold
    threshold_pptm: 50000
    min_update_delay: 30s
    max_update_delay: 2h
  assets:
    - address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
      symbol: WETH
      sources: [uni]
sources:
  - name: cow
    kind: cow.quote
    options:
      quote_token: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  - name: uni
    kind: evm.reserves
    options:
      rpc_url: http://localhost:8545
accumulators:
  - name: twap
    source: uni
    max_deviation_pct: "2.5"
    gate:
      period: 10m
filters:
  - name: vol
    kind: volatility
    amount: 10
    increment: 2
    decimals: 4
alerting:
  volatility_filter: vol
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDecodesOracleSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Oracle.QuoteToken != common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48") {
		t.Fatalf("quote token 解析错误: %s", cfg.Oracle.QuoteToken.Hex())
	}
	if cfg.Oracle.SourceMaxAgeSeconds() != 300 {
		t.Fatalf("source_max_age 应为 300 秒, 实际 %d", cfg.Oracle.SourceMaxAgeSeconds())
	}
	if cfg.Oracle.Name != "consensus" || cfg.Oracle.MinimumResponses != 1 {
		t.Fatalf("默认值未生效: %+v", cfg.Oracle)
	}
	if len(cfg.Oracle.Assets) != 1 || cfg.Oracle.Assets[0].Label() != "WETH" {
		t.Fatalf("资产解析错误: %+v", cfg.Oracle.Assets)
	}

	policy, err := cfg.Oracle.Gate.Build()
	if err != nil {
		t.Fatalf("构建 gate 失败: %v", err)
	}
	threshold, ok := policy.(gate.Threshold)
	if !ok {
		t.Fatalf("应为 threshold 策略, 实际 %T", policy)
	}
	if threshold.ThresholdPct.String() != "0.5" || threshold.MinUpdateDelay != 30 || threshold.MaxUpdateDelay != 7200 {
		t.Fatalf("threshold 参数错误: %+v", threshold)
	}

	if cfg.Accumulators[0].MaxDeviationPct.String() != "2.5" {
		t.Fatalf("max_deviation_pct 解析错误: %s", cfg.Accumulators[0].MaxDeviationPct)
	}
	if w := cfg.Filters[0].Window(); w.Required() != 19 {
		t.Fatalf("窗口所需数量应为 19, 实际 %d", w.Required())
	}
	if cfg.Sources[1].Options["rpc_url"] != "http://localhost:8545" {
		t.Fatalf("source options 解析错误: %#v", cfg.Sources[1].Options)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("默认调度间隔应为 1m, 实际 %s", cfg.Scheduler.Interval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ORACLED_ORACLE_STRATEGY", "median")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Oracle.Strategy != "median" {
		t.Fatalf("环境变量应覆盖 strategy, 实际 %s", cfg.Oracle.Strategy)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		from, to string
		want     string
	}{
		"unknown general source":  {"general_sources: [cow]", "general_sources: [nope]", "unknown source"},
		"bad timestamp policy":    {"timestamp_policy: earliest", "timestamp_policy: median", "timestamp_policy"},
		"window too large":        {"amount: 10", "amount: 40", "oracle.history_capacity keeps 64"},
		"asset history too small": {"      symbol: WETH", "      symbol: WETH\n      history_capacity: 8", "oracle.assets[WETH].history_capacity keeps 8"},
		"accumulator heartbeat":   {"    gate:\n      period: 10m", "    gate:\n      policy: threshold\n      threshold_pct: 1", "accumulators[twap].gate"},
		"volatility amount":       {"amount: 10", "amount: 1", "amount"},
		"unknown filter alert":    {"volatility_filter: vol", "volatility_filter: med", "unknown filter"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(sampleYAML, tc.from, tc.to, 1)
			_, err := Load(writeConfig(t, body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("期望包含 %q 的错误, 实际 %v", tc.want, err)
			}
		})
	}
}

func TestValidateRequiresQuoteToken(t *testing.T) {
	body := strings.Replace(sampleYAML, `  quote_token: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  quote_decimals: 6`, "  quote_decimals: 6", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("缺少 quote_token 应报错")
	}
}

const averageSourceYAML = `  - name: uni_avg
    kind: accumulator.average
    options:
      accumulator: twap
      period: 10m
accumulators:`

func TestValidateAverageSources(t *testing.T) {
	body := strings.Replace(sampleYAML, "accumulators:", averageSourceYAML, 1)
	body = strings.Replace(body, "general_sources: [cow]", "general_sources: [cow, uni_avg]", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Sources[2].Kind != "accumulator.average" {
		t.Fatalf("average source 解析错误: %+v", cfg.Sources[2])
	}

	cases := map[string]struct {
		from, to string
		want     string
	}{
		"accumulator over oracle":  {"    source: uni", "    source: consensus", "tracks the oracle"},
		"accumulator over average": {"    source: uni", "    source: uni_avg", "backed by an accumulator"},
		"unknown accumulator":      {"      accumulator: twap", "      accumulator: nope", "unknown accumulator"},
		"missing period":           {"      period: 10m\naccumulators:", "accumulators:", "period must be at least 1s"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, strings.Replace(body, tc.from, tc.to, 1)))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("期望包含 %q 的错误, 实际 %v", tc.want, err)
			}
		})
	}
}
