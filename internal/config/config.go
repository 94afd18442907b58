package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Minio   MinioConfig   `json:"minio"`
	Ctrip   CtripConfig   `json:"ctrip"`
	Agiso   AgisoConfig   `json:"agiso"`
	AI      AIConfig      `json:"ai"`
	Email   EmailConfig   `json:"email"`
	Browser BrowserConfig `json:"browser"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`         // API 服务监听地址
	JWTSecret        string        `json:"jwt_secret"`        // API 会话 JWT 签名密钥
	IngestWorkers    int           `json:"ingest_workers"`    // 图片下载 worker 数
	IngestCapacity   int           `json:"ingest_capacity"`   // 图片队列容量
	RateLimit        float64       `json:"rate_limit"`        // 源站请求限流速率（token/s）
	RateBurst        float64       `json:"rate_burst"`        // 源站请求限流桶容量
	PublishRate      float64       `json:"publish_rate"`      // 上架请求速率（次/秒）
	DedupWindow      time.Duration `json:"dedup_window"`      // 图片 URL 去重窗口
	SupervisorPoll   time.Duration `json:"supervisor_poll"`   // IM supervisor 轮询间隔
	WatcherInterval  time.Duration `json:"watcher_interval"`  // IM 收件箱轮询间隔
	WatchdogInterval time.Duration `json:"watchdog_interval"` // IM 登录看门狗间隔
	ReplyDebounce    time.Duration `json:"reply_debounce"`    // 自动回复防抖延迟
	CityName         string        `json:"city_name"`         // 抓取的目标城市
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// MinioConfig 对象存储配置。
type MinioConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	UseSSL    bool   `json:"use_ssl"`
	Bucket    string `json:"bucket"` // 图片存储桶
}

// CtripConfig 携程货源平台接口配置。
type CtripConfig struct {
	ProductListAPI   string `json:"product_list_api"`
	ProductDetailAPI string `json:"product_detail_api"`
	ShortURLAPI      string `json:"short_url_api"`
	Entrypoint       string `json:"entrypoint"`   // 联盟后台入口页
	AllianceID       string `json:"alliance_id"`  // 推广联盟 ID
	SID              string `json:"sid"`          // 推广站点 ID
}

// AgisoConfig 阿奇索（闲鱼上架工具）接口配置。
type AgisoConfig struct {
	SearchGoodsAPI  string `json:"search_goods_api"`
	UploadImageAPI  string `json:"upload_image_api"`
	PublishAPI      string `json:"publish_api"`
	InsertDraftAPI  string `json:"insert_draft_api"`
	UpdateStatusAPI string `json:"update_status_api"`
}

// AIConfig 文案生成服务配置（OAuth 换取 access_token 后调用 Chat 接口）。
type AIConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TokenURL  string `json:"token_url"`
	ChatURL   string `json:"chat_url"` // access_token 以查询参数附加
}

// EmailConfig 运行报告邮件配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// BrowserConfig 浏览器自动化配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path"` // 浏览器可执行文件路径
	Headless bool   `json:"headless"` // 是否使用无头模式
}

// Load 从 JSON 文件加载配置。
//
// 配置文件不存在时使用默认值；环境变量始终优先覆盖。
//
// 参数:
//
//	configPath: 配置文件路径（为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8080",
			JWTSecret:        "dev_secret_change_me",
			IngestWorkers:    10,
			IngestCapacity:   1000,
			RateLimit:        3,
			RateBurst:        5,
			PublishRate:      1,
			DedupWindow:      time.Hour,
			SupervisorPoll:   5 * time.Second,
			WatcherInterval:  30 * time.Second,
			WatchdogInterval: 10 * time.Second,
			ReplyDebounce:    30 * time.Second,
			CityName:         "上海",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/goofish?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Minio: MinioConfig{
			Endpoint: "localhost:9000",
			Bucket:   "images",
		},
		Ctrip: CtripConfig{
			Entrypoint: "https://u.ctrip.com/alliance/#/CooperationModel/HotelPresale",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.JWTSecret == "" {
		cfg.App.JWTSecret = defaults.App.JWTSecret
	}
	if cfg.App.IngestWorkers == 0 {
		cfg.App.IngestWorkers = defaults.App.IngestWorkers
	}
	if cfg.App.IngestCapacity == 0 {
		cfg.App.IngestCapacity = defaults.App.IngestCapacity
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.PublishRate == 0 {
		cfg.App.PublishRate = defaults.App.PublishRate
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.SupervisorPoll == 0 {
		cfg.App.SupervisorPoll = defaults.App.SupervisorPoll
	}
	if cfg.App.WatcherInterval == 0 {
		cfg.App.WatcherInterval = defaults.App.WatcherInterval
	}
	if cfg.App.WatchdogInterval == 0 {
		cfg.App.WatchdogInterval = defaults.App.WatchdogInterval
	}
	if cfg.App.ReplyDebounce == 0 {
		cfg.App.ReplyDebounce = defaults.App.ReplyDebounce
	}
	if cfg.App.CityName == "" {
		cfg.App.CityName = defaults.App.CityName
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Minio.Endpoint == "" {
		cfg.Minio.Endpoint = defaults.Minio.Endpoint
	}
	if cfg.Minio.Bucket == "" {
		cfg.Minio.Bucket = defaults.Minio.Bucket
	}
	if cfg.Ctrip.Entrypoint == "" {
		cfg.Ctrip.Entrypoint = defaults.Ctrip.Entrypoint
	}
	if cfg.Email.SMTPHost == "" {
		cfg.Email.SMTPHost = defaults.Email.SMTPHost
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_dsn", "DB_DSN")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_CITY_NAME"); v != "" {
		cfg.App.CityName = v
	}
	if v := os.Getenv("APP_INGEST_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.IngestWorkers = i
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.DedupWindow = d
		}
	}
	if v := viper.GetString("db_dsn"); v != "" {
		cfg.MySQL.DSN = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.App.JWTSecret = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}

	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
		if cfg.Email.FromEmail == "" {
			cfg.Email.FromEmail = v
		}
	}

	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}

	if v := os.Getenv("CTRIP_PRODUCTION_API"); v != "" {
		cfg.Ctrip.ProductListAPI = v
	}
	if v := os.Getenv("CTRIP_PRODUCTION_DETAIL_API"); v != "" {
		cfg.Ctrip.ProductDetailAPI = v
	}
	if v := os.Getenv("CTRIP_CREATE_SHORT_URL_API"); v != "" {
		cfg.Ctrip.ShortURLAPI = v
	}
	if v := os.Getenv("CTRIP_ALLIANCE_ID"); v != "" {
		cfg.Ctrip.AllianceID = v
	}
	if v := os.Getenv("CTRIP_SID"); v != "" {
		cfg.Ctrip.SID = v
	}

	if v := os.Getenv("AGISO_SEARCH_GOODS_LIST_API"); v != "" {
		cfg.Agiso.SearchGoodsAPI = v
	}
	if v := os.Getenv("AGISO_UPLOAD_IMAGE_API"); v != "" {
		cfg.Agiso.UploadImageAPI = v
	}
	if v := os.Getenv("AGISO_PUBLISH_API"); v != "" {
		cfg.Agiso.PublishAPI = v
	}
	if v := os.Getenv("AGISO_INSERT_DRAFT_API"); v != "" {
		cfg.Agiso.InsertDraftAPI = v
	}
	if v := os.Getenv("AGISO_UPDATE_ITEM_STATUS_API"); v != "" {
		cfg.Agiso.UpdateStatusAPI = v
	}

	if v := os.Getenv("BAIDU_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("BAIDU_SECRET_KEY"); v != "" {
		cfg.AI.SecretKey = v
	}
	if v := os.Getenv("BAIDU_API_URL"); v != "" {
		cfg.AI.ChatURL = v
	}
	if v := os.Getenv("BAIDU_TOKEN_URL"); v != "" {
		cfg.AI.TokenURL = v
	}
}
