package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"equity-recon/internal/config"
	"equity-recon/internal/fetcher"
	"equity-recon/internal/storage"
	"equity-recon/internal/valuation"
)

var tradeDay = time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

func dailyServer(t *testing.T, pe float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/daily" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("date"); got != "20240308" {
			t.Errorf("请求日期不正确: %s", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{
			"ts_code":    "600519.SH",
			"trade_date": "20240308",
			"close":      1700.0,
			"pe":         pe,
			"pb":         9.1,
			"total_mv":   2.1e12,
			"vol":        2000.0,
		}}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, body string) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	var buf bytes.Buffer
	return &App{Config: cfg, Logger: zerolog.Nop(), Out: &buf}, &buf
}

func twoProviderConfig(alpha, beta string) string {
	return fmt.Sprintf(`
market:
  name: cn
retry:
  max_retries: 1
  initial_delay: 0s
  max_delay: 0s
providers:
  alpha:
    priority: 20
    base_url: %s
    endpoints:
      daily_basics: /daily?date={date}
  beta:
    priority: 10
    base_url: %s
    endpoints:
      daily_basics: /daily?date={date}
  gamma:
    enabled: false
    base_url: http://127.0.0.1:1
  oracle:
    kind: chain
    priority: 1
    rpc_url: http://127.0.0.1:1
    feeds:
      - symbol: 600519.SH
        address: "0x0000000000000000000000000000000000000001"
`, alpha, beta)
}

func TestNewAdapters(t *testing.T) {
	a, _ := newTestApp(t, twoProviderConfig("http://alpha.test", "http://beta.test"))

	adapters, err := a.newAdapters()
	if err != nil {
		t.Fatalf("构建适配器失败: %v", err)
	}
	var names []string
	for _, ad := range adapters {
		names = append(names, ad.Name())
	}
	if strings.Join(names, ",") != "alpha,beta,oracle" {
		t.Fatalf("适配器列表不正确: %v", names)
	}
	if !fetcher.Supports(adapters[0], fetcher.OpDailyBasics) || fetcher.Supports(adapters[0], fetcher.OpNews) {
		t.Fatal("http 适配器能力应由 endpoints 决定")
	}
	if ops := fetcher.Capabilities(adapters[2]); len(ops) != 1 || ops[0] != fetcher.OpRealtimeQuotes {
		t.Fatalf("链上适配器只应支持实时行情: %v", ops)
	}
}

func TestCheckDryRun(t *testing.T) {
	alpha := dailyServer(t, 30)
	beta := dailyServer(t, 30)
	a, buf := newTestApp(t, twoProviderConfig(alpha.URL, beta.URL))

	if err := a.Check(context.Background(), CheckOptions{Date: tradeDay, DryRun: true}); err != nil {
		t.Fatalf("对账应成功: %v", err)
	}

	var out struct {
		ChosenSource string `json:"chosen_source"`
		Report       struct {
			Action     string  `json:"recommended_action"`
			Confidence float64 `json:"confidence_score"`
		} `json:"report"`
		Volume struct {
			FromLots int `json:"from_lots"`
		} `json:"volume"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("输出应为 JSON: %v\n%s", err, buf.String())
	}
	if out.ChosenSource != "alpha" {
		t.Fatalf("应选择优先级最高的 alpha, 实际 %s", out.ChosenSource)
	}
	if out.Report.Action != "use_either" {
		t.Fatalf("一致数据应建议 use_either, 实际 %s (%.3f)", out.Report.Action, out.Report.Confidence)
	}
	if out.Volume.FromLots != 1 {
		t.Fatalf("成交量应按手换算为股, 实际 %d", out.Volume.FromLots)
	}
}

func TestCheckReportsMissingData(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer empty.Close()
	a, _ := newTestApp(t, twoProviderConfig(empty.URL, empty.URL))

	err := a.Check(context.Background(), CheckOptions{Date: tradeDay, DryRun: true})
	if err == nil || !strings.Contains(err.Error(), "20240308") {
		t.Fatalf("无数据时应报错并包含日期, 实际 %v", err)
	}
}

func TestFetchDailyBasics(t *testing.T) {
	alpha := dailyServer(t, 30)
	a, buf := newTestApp(t, twoProviderConfig(alpha.URL, "http://127.0.0.1:1"))

	err := a.Fetch(context.Background(), FetchOptions{Operation: fetcher.OpDailyBasics, Date: tradeDay, Rows: 5})
	if err != nil {
		t.Fatalf("拉取应成功: %v", err)
	}
	text := buf.String()
	for _, want := range []string{"source: alpha, records: 1", "600519.SH", "daily_basics"} {
		if !strings.Contains(text, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "beta") {
		t.Fatalf("首个来源成功后不应尝试 beta:\n%s", text)
	}
}

func TestFetchUnsupportedOperation(t *testing.T) {
	a, _ := newTestApp(t, twoProviderConfig("http://alpha.test", "http://beta.test"))

	if err := a.Fetch(context.Background(), FetchOptions{Operation: fetcher.OpNews, ID: "600519.SH"}); err == nil {
		t.Fatal("无来源支持时应报错")
	}
	if err := a.Fetch(context.Background(), FetchOptions{Operation: fetcher.OpCandles}); err == nil {
		t.Fatal("candles 缺少 --id 应报错")
	}
	if err := a.Fetch(context.Background(), FetchOptions{Operation: "bogus"}); err == nil {
		t.Fatal("未知操作应报错")
	}
}

func TestPrioritiesWithoutDatabase(t *testing.T) {
	a, buf := newTestApp(t, twoProviderConfig("http://alpha.test", "http://beta.test"))

	if err := a.Priorities(context.Background(), PriorityOptions{}); err != nil {
		t.Fatalf("打印优先级失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("应输出表头、三个适配器和禁用行:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[1], "1") || !strings.Contains(lines[1], "alpha") {
		t.Fatalf("alpha 应排第一: %s", lines[1])
	}
	if !strings.Contains(lines[4], "gamma") || !strings.Contains(lines[4], "disabled") {
		t.Fatalf("应列出禁用的 gamma: %s", lines[4])
	}

	err := a.Priorities(context.Background(), PriorityOptions{Set: map[string]int{"beta": 99}})
	if err == nil {
		t.Fatal("未配置数据库时不能写入优先级")
	}
}

func TestVolume(t *testing.T) {
	a, buf := newTestApp(t, "market:\n  name: cn\n")

	if err := a.Volume(VolumeOptions{Volume: "2000", Price: "1700"}); err != nil {
		t.Fatalf("成交量判定失败: %v", err)
	}
	var diag struct {
		Unit   string `json:"chosen_unit"`
		Volume string `json:"corrected_volume"`
	}
	if err := json.Unmarshal(buf.Bytes(), &diag); err != nil {
		t.Fatalf("输出应为 JSON: %v", err)
	}
	if diag.Unit != "lot" || diag.Volume != "200000" {
		t.Fatalf("应判定为手并换算为 200000 股: %+v", diag)
	}

	if err := a.Volume(VolumeOptions{Volume: "abc", Price: "1"}); err == nil {
		t.Fatal("非法数字应报错")
	}
}

func TestValidateRatio(t *testing.T) {
	a, buf := newTestApp(t, "market:\n  name: cn\n")

	err := a.ValidateRatio(ValuationOptions{Ratio: valuation.RatioPE, Reported: "20", Price: "10", Shares: "1000", Base: "500"})
	if err != nil {
		t.Fatalf("PE 校验失败: %v", err)
	}
	var res valuation.Result
	if err := json.Unmarshal(buf.Bytes(), &res); err != nil {
		t.Fatalf("输出应为 JSON: %v", err)
	}
	if !res.Valid || !res.Calculated.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("PE=20 应通过校验: %+v", res)
	}

	if err := a.ValidateRatio(ValuationOptions{Ratio: "ev", Reported: "1", Price: "1", Shares: "1"}); err == nil {
		t.Fatal("未知比率应报错")
	}
}

func TestJobs(t *testing.T) {
	a, _ := newTestApp(t, "market:\n  name: cn\n")

	if got := len(a.jobs(nil, false)); got != 1 {
		t.Fatalf("无数据库时只应有对账任务, 实际 %d", got)
	}
	jobs := a.jobs(nil, true)
	if len(jobs) != 3 {
		t.Fatalf("有数据库时应有对账、刷新优先级与清理三个任务, 实际 %d", len(jobs))
	}
	if jobs[0].Options.Name != "reconcile" || jobs[2].Options.Name != "prune" {
		t.Fatalf("任务顺序不正确: %s %s", jobs[0].Options.Name, jobs[2].Options.Name)
	}
}

func TestTradeDates(t *testing.T) {
	// 2024-03-08 is a Friday.
	dates := tradeDates(tradeDay, tradeDay.AddDate(0, 0, 4))
	if len(dates) != 3 {
		t.Fatalf("应跳过周末, 实际 %v", dates)
	}
	if !dates[1].Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("周五之后应为下周一: %s", dates[1])
	}
	if len(tradeDates(tradeDay, tradeDay.AddDate(0, 0, -1))) != 0 {
		t.Fatal("倒序区间应为空")
	}
}

func TestDownsampleReports(t *testing.T) {
	reports := make([]storage.ReportRecord, 10)
	for i := range reports {
		reports[i] = storage.ReportRecord{ID: uuid.New(), Confidence: decimal.NewFromInt(int64(i))}
	}

	got := downsampleReports(reports, 4)
	if len(got) != 4 {
		t.Fatalf("应降采样到 4 个点, 实际 %d", len(got))
	}
	if !got[0].Confidence.Equal(decimal.Zero) || !got[3].Confidence.Equal(decimal.NewFromInt(9)) {
		t.Fatal("降采样应保留首尾")
	}
	if len(downsampleReports(reports, 0)) != 10 {
		t.Fatal("max<=0 时不应降采样")
	}
	if one := downsampleReports(reports, 1); len(one) != 1 || !one[0].Confidence.Equal(decimal.NewFromInt(9)) {
		t.Fatal("max=1 时应保留最新一条")
	}
}

func TestWriteReportsCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	reports := []storage.ReportRecord{
		{ID: uuid.New(), Market: "cn", TradeDate: tradeDay, PrimarySource: "alpha", SecondarySource: "beta", ChosenSource: "alpha",
			Confidence: decimal.RequireFromString("0.95"), Action: "use_either", Consistent: true, Rationale: "agree", CreatedAt: tradeDay.Add(8 * time.Hour)},
		{ID: uuid.New(), Market: "cn", TradeDate: tradeDay.AddDate(0, 0, 3), PrimarySource: "alpha", SecondarySource: "beta", ChosenSource: "alpha",
			Confidence: decimal.RequireFromString("0.25"), Action: "use_primary_only", Rationale: "diverge", CreatedAt: tradeDay.AddDate(0, 0, 3).Add(8 * time.Hour)},
	}

	csvPath := filepath.Join(dir, "out", "reports.csv")
	if err := writeReportsCSV(csvPath, reports); err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("读取 CSV 失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || !strings.Contains(lines[1], "20240308") || !strings.Contains(lines[2], "0.25") {
		t.Fatalf("CSV 内容不正确:\n%s", data)
	}

	pngPath := filepath.Join(dir, "out", "confidence.png")
	if err := writeReportsPNG(pngPath, reports); err != nil {
		t.Fatalf("写 PNG 失败: %v", err)
	}
	if info, err := os.Stat(pngPath); err != nil || info.Size() == 0 {
		t.Fatalf("PNG 文件应存在且非空: %v", err)
	}
}

func TestExportWindow(t *testing.T) {
	a, _ := newTestApp(t, "market:\n  name: cn\n")
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	from, to, err := a.exportWindow(ExportOptions{}, now)
	if err != nil {
		t.Fatalf("默认窗口不应报错: %v", err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-a.Config.Export.Window)) {
		t.Fatalf("默认窗口不正确: %s - %s", from, to)
	}

	later := now.Add(time.Hour)
	if _, _, err := a.exportWindow(ExportOptions{From: &later}, now); err == nil {
		t.Fatal("from 晚于 to 应报错")
	}
}

func TestSimulatedNotification(t *testing.T) {
	a, _ := newTestApp(t, "market:\n  name: cn\n")

	same := a.simulatedNotification(SimulateOptions{Primary: 10, Secondary: 10}, tradeDay)
	if same.Action != "use_either" || len(same.Significant) != 0 {
		t.Fatalf("相同指标应一致: %+v", same)
	}

	apart := a.simulatedNotification(SimulateOptions{Primary: 10, Secondary: 20}, tradeDay)
	if apart.Action == "use_either" || len(apart.Significant) == 0 {
		t.Fatalf("偏差 100%% 应触发分歧: %+v", apart)
	}
	if apart.PairKey() != "cn:simulated-primary/simulated-secondary" {
		t.Fatalf("pair key 不正确: %s", apart.PairKey())
	}

	if err := a.SimulateAlert(context.Background(), SimulateOptions{Primary: 1, Secondary: 2}); err == nil {
		t.Fatal("alerting 未启用时应报错")
	}
}
