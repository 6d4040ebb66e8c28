package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 部署在 Base Sepolia 上的默认合约地址
const (
	DefaultRPCURL      = "https://sepolia.base.org"
	DefaultChainID     = 84532
	DefaultHook        = "0x18a398ec7893303Ee3fe2d64D98Edd806C6D80c4"
	DefaultPoolManager = "0x05E73354cFDd6745C338b50BcFDfA3Aa6fA03408"
	DefaultVenue       = "0x8b5bcc363dde2614281ad875bad385e0a785d3b9"
)

// TriggerMode 触发评估方式
const (
	TriggerModeModel  = "model"
	TriggerModeOracle = "oracle"
)

type ChainConfig struct {
	RPCURL      string `yaml:"rpc_url" json:"rpc_url"`
	ChainID     int64  `yaml:"chain_id" json:"chain_id"`
	Hook        string `yaml:"hook" json:"hook"` // 订单注册合约
	PoolManager string `yaml:"pool_manager" json:"pool_manager"`
	Venue       string `yaml:"venue" json:"venue"` // PoolSwapTest 路由
}

// KeeperConfig keeper 签名身份：私钥、助记词、secretstore 三选一
type KeeperConfig struct {
	PrivateKey      string `yaml:"private_key" json:"private_key"`
	Mnemonic        string `yaml:"mnemonic" json:"mnemonic"`
	DerivationPath  string `yaml:"derivation_path" json:"derivation_path"`
	SecretStorePath string `yaml:"secret_store_path" json:"secret_store_path"`
	SecretStoreKey  string `yaml:"secret_store_key" json:"secret_store_key"`
}

type TokenConfig struct {
	Symbol      string `yaml:"symbol" json:"symbol"`
	Address     string `yaml:"address" json:"address"`
	Decimals    int32  `yaml:"decimals" json:"decimals"`
	CoingeckoID string `yaml:"coingecko_id" json:"coingecko_id"`
}

type PoolConfig struct {
	Name        string `yaml:"name" json:"name"`
	Token0      string `yaml:"token0" json:"token0"`
	Token1      string `yaml:"token1" json:"token1"`
	Fee         uint32 `yaml:"fee" json:"fee"`
	TickSpacing int32  `yaml:"tick_spacing" json:"tick_spacing"`
}

type TriggerConfig struct {
	Mode     string   `yaml:"mode" json:"mode"` // model | oracle
	Interval Duration `yaml:"interval" json:"interval"`
	MoveRate float64  `yaml:"move_rate" json:"move_rate"`
	Noise    float64  `yaml:"noise" json:"noise"`
	// Tolerance 相对限价的容差比例
	Tolerance float64 `yaml:"tolerance" json:"tolerance"`
	MaxTicks  int     `yaml:"max_ticks" json:"max_ticks"`
}

type PipelineConfig struct {
	StepTimeout     Duration `yaml:"step_timeout" json:"step_timeout"`
	ApproveHeadroom int64    `yaml:"approve_headroom" json:"approve_headroom"`
	MaxSendAttempts int      `yaml:"max_send_attempts" json:"max_send_attempts"`
	LeaseTTL        Duration `yaml:"lease_ttl" json:"lease_ttl"`
	Workers         int      `yaml:"workers" json:"workers"`
	DefaultAmount   string   `yaml:"default_amount" json:"default_amount"`
	// 连续中止 BreakerFailures 次后暂停派发 BreakerCooldown；0 表示关闭
	BreakerFailures int64    `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerCooldown Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

type PollerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Interval  Duration `yaml:"interval" json:"interval"`
	DemoPrice float64  `yaml:"demo_price" json:"demo_price"`
}

type OracleConfig struct {
	BaseURL       string   `yaml:"base_url" json:"base_url"`
	Timeout       Duration `yaml:"timeout" json:"timeout"`
	CacheTTL      Duration `yaml:"cache_ttl" json:"cache_ttl"`
	RatePerMinute int      `yaml:"rate_per_minute" json:"rate_per_minute"`
}

type StorageConfig struct {
	BadgerDir string `yaml:"badger_dir" json:"badger_dir"` // 订单状态（默认）
	JSONDir   string `yaml:"json_dir" json:"json_dir"`     // 设置后改用 JSON 文件存储
	JournalDB string `yaml:"journal_db" json:"journal_db"`
}

type APIConfig struct {
	Listen      string   `yaml:"listen" json:"listen"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// Config keeper 配置
type Config struct {
	Chain         ChainConfig    `yaml:"chain" json:"chain"`
	Keeper        KeeperConfig   `yaml:"keeper" json:"keeper"`
	Tokens        []TokenConfig  `yaml:"tokens" json:"tokens"`
	Pools         []PoolConfig   `yaml:"pools" json:"pools"`
	Trigger       TriggerConfig  `yaml:"trigger" json:"trigger"`
	Pipeline      PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Poller        PollerConfig   `yaml:"poller" json:"poller"`
	Oracle        OracleConfig   `yaml:"oracle" json:"oracle"`
	Storage       StorageConfig  `yaml:"storage" json:"storage"`
	API           APIConfig      `yaml:"api" json:"api"`
	MetricsListen string         `yaml:"metrics_listen" json:"metrics_listen"`
	LogLevel      string         `yaml:"log_level" json:"log_level"`
	LogFile       string         `yaml:"log_file" json:"log_file"`
}

// Duration 配置文件中写 "2s"、"10m" 这样的字符串
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default 默认配置（Base Sepolia 演示部署）
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			RPCURL:      DefaultRPCURL,
			ChainID:     DefaultChainID,
			Hook:        DefaultHook,
			PoolManager: DefaultPoolManager,
			Venue:       DefaultVenue,
		},
		Keeper: KeeperConfig{DerivationPath: "m/44'/60'/0'/0/0"},
		Trigger: TriggerConfig{
			Mode:      TriggerModeModel,
			Interval:  Duration(2 * time.Second),
			MoveRate:  0.12,
			Noise:     0.2,
			Tolerance: 0.005,
			MaxTicks:  15,
		},
		Pipeline: PipelineConfig{
			StepTimeout:     Duration(2 * time.Minute),
			ApproveHeadroom: 2,
			MaxSendAttempts: 3,
			LeaseTTL:        Duration(10 * time.Minute),
			Workers:         1,
			DefaultAmount:   "100",
			BreakerFailures: 5,
			BreakerCooldown: Duration(time.Minute),
		},
		Poller: PollerConfig{
			Enabled:   true,
			Interval:  Duration(12 * time.Second),
			DemoPrice: 3000,
		},
		Oracle: OracleConfig{
			BaseURL:       "https://api.coingecko.com/api/v3",
			Timeout:       Duration(10 * time.Second),
			CacheTTL:      Duration(30 * time.Second),
			RatePerMinute: 30,
		},
		Storage: StorageConfig{
			BadgerDir: "data/orders",
			JournalDB: "data/journal.db",
		},
		API: APIConfig{
			Listen:      ":8080",
			CORSOrigins: []string{"*"},
		},
		MetricsListen: "127.0.0.1:6060",
		LogLevel:      "info",
	}
}

// Load 加载顺序：默认值 -> 配置文件 -> .env / 环境变量，最后校验
func Load(filePath string) (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	cfg := Default()
	if filePath != "" {
		if err := loadFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖配置文件。变量名沿用原部署脚本。
func applyEnv(cfg *Config) error {
	setString(&cfg.Chain.RPCURL, "BASE_SEPOLIA_RPC_URL")
	setString(&cfg.Chain.Hook, "SHADOW_ORDERS_HOOK_ADDRESS")
	setString(&cfg.Chain.PoolManager, "POOL_MANAGER_ADDRESS")
	setString(&cfg.Chain.Venue, "POOL_SWAP_TEST_ADDRESS")
	setString(&cfg.Keeper.PrivateKey, "KEEPER_PRIVATE_KEY")
	setString(&cfg.Keeper.Mnemonic, "KEEPER_MNEMONIC")
	setString(&cfg.Keeper.SecretStorePath, "KEEPER_SECRET_STORE_PATH")
	setString(&cfg.Keeper.SecretStoreKey, "KEEPER_SECRET_STORE_KEY")
	setString(&cfg.Trigger.Mode, "TRIGGER_MODE")
	setString(&cfg.Storage.BadgerDir, "KEEPER_BADGER_DIR")
	setString(&cfg.Storage.JournalDB, "KEEPER_JOURNAL_DB")
	setString(&cfg.API.Listen, "KEEPER_API_LISTEN")
	setString(&cfg.MetricsListen, "KEEPER_METRICS_LISTEN")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile, "LOG_FILE")

	if v := strings.TrimSpace(os.Getenv("CHAIN_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID 无效: %w", err)
		}
		cfg.Chain.ChainID = n
	}
	if v := strings.TrimSpace(os.Getenv("POLLER_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("POLLER_ENABLED 无效: %w", err)
		}
		cfg.Poller.Enabled = b
	}
	if v := strings.TrimSpace(os.Getenv("KEEPER_CORS_ORIGINS")); v != "" {
		cfg.API.CORSOrigins = splitList(v)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url 不能为空")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id 必须大于 0")
	}
	for name, addr := range map[string]string{"chain.hook": c.Chain.Hook, "chain.venue": c.Chain.Venue} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s 不是有效地址: %q", name, addr)
		}
	}
	for _, t := range c.Tokens {
		if t.Symbol == "" || !common.IsHexAddress(t.Address) {
			return fmt.Errorf("token 配置无效: symbol=%q address=%q", t.Symbol, t.Address)
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return fmt.Errorf("token %s decimals 无效: %d", t.Symbol, t.Decimals)
		}
	}
	for _, p := range c.Pools {
		if p.Token0 == "" || p.Token1 == "" || p.Token0 == p.Token1 {
			return fmt.Errorf("pool %s 配置无效", p.Name)
		}
	}
	switch c.Trigger.Mode {
	case TriggerModeModel, TriggerModeOracle:
	default:
		return fmt.Errorf("trigger.mode 必须是 %s 或 %s，当前: %q", TriggerModeModel, TriggerModeOracle, c.Trigger.Mode)
	}
	if c.Trigger.Interval <= 0 {
		return fmt.Errorf("trigger.interval 必须大于 0")
	}
	if c.Trigger.MoveRate <= 0 || c.Trigger.MoveRate > 1 {
		return fmt.Errorf("trigger.move_rate 必须在 (0, 1] 内，当前: %v", c.Trigger.MoveRate)
	}
	if c.Trigger.Tolerance < 0 {
		return fmt.Errorf("trigger.tolerance 不能为负")
	}
	if c.Pipeline.ApproveHeadroom < 1 {
		return fmt.Errorf("pipeline.approve_headroom 至少为 1")
	}
	// 租约必须覆盖一次完整结算，否则结算中途过期会允许重复执行
	if minLease := 5 * c.Pipeline.StepTimeout; c.Pipeline.LeaseTTL < minLease {
		return fmt.Errorf("pipeline.lease_ttl (%s) 必须不小于 5 * step_timeout (%s)", c.Pipeline.LeaseTTL.Std(), minLease.Std())
	}
	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval 必须大于 0")
	}
	if c.Storage.JournalDB == "" {
		return fmt.Errorf("storage.journal_db 不能为空")
	}
	if c.Storage.BadgerDir == "" && c.Storage.JSONDir == "" {
		return fmt.Errorf("storage.badger_dir 和 storage.json_dir 至少设置一个")
	}
	return nil
}

// HasKeeperIdentity 是否配置了任一种 keeper 身份来源
func (c *Config) HasKeeperIdentity() bool {
	k := c.Keeper
	return k.PrivateKey != "" || k.Mnemonic != "" || k.SecretStorePath != ""
}
