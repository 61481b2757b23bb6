package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"whsec_test":                           true,
	"admin-key":                            true,
	"":                                     true,
}

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	TenantDB      TenantDBConfig
	JWT           JWTConfig
	Webhook       WebhookConfig
	Admin         AdminConfig
	Cluster       ClusterConfig
	Release       ReleaseConfig
	Naming        NamingConfig
	Encryption    EncryptionConfig
	Orchestration OrchestrationConfig
	Log           LogConfig
	PlanCatalog   string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

// TenantDBConfig points at the shared server that hosts one database per tenant.
type TenantDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey string
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
}

type AdminConfig struct {
	APIKey string
}

type ClusterConfig struct {
	APIServer   string
	TokenFile   string
	CAFile      string
	InsecureTLS bool
	KubectlPath string
}

type ReleaseConfig struct {
	HelmPath       string
	ChartPath      string
	Image          string
	CertIssuer     string
	AdminEmail     string
	Timezone       string
	InstallTimeout time.Duration
	InstallerCmd   string
}

type NamingConfig struct {
	NamespacePrefix string
	BaseDomain      string
}

type EncryptionConfig struct {
	Key string
}

type OrchestrationConfig struct {
	WorkerCount         int
	PollInterval        time.Duration
	StepTimeout         time.Duration
	StepMaxAttempts     int
	StepInitialBackoff  time.Duration
	StepMaxBackoff      time.Duration
	MaxTaskAttempts     int
	TaskRetryBase       time.Duration
	TaskRetryMax        time.Duration
	TaskLease           time.Duration
	ReconcileInterval   time.Duration
	StaleAfter          time.Duration
	DeletionGracePeriod time.Duration
}

type LogConfig struct {
	Level       string
	Environment string
}

func Load() *Config {
	// .env 文件可选
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8000"),
			Mode: getEnv("GIN_MODE", "release"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			Schema:   getEnv("DB_SCHEMA", "provisioning"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		TenantDB: TenantDBConfig{
			Host:     getEnv("TENANT_DB_HOST", "postgres.tenants.svc.cluster.local"),
			Port:     getEnv("TENANT_DB_PORT", "5432"),
			User:     getEnv("TENANT_DB_USER", "postgres"),
			Password: getEnv("TENANT_DB_PASSWORD", ""),
			SSLMode:  getEnv("TENANT_DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Webhook: WebhookConfig{
			Secret:    getEnv("WEBHOOK_SECRET", ""),
			Tolerance: getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Admin: AdminConfig{
			APIKey: getEnv("ADMIN_API_KEY", ""),
		},
		Cluster: ClusterConfig{
			APIServer:   getEnv("CLUSTER_API_SERVER", "https://kubernetes.default.svc"),
			TokenFile:   getEnv("CLUSTER_TOKEN_FILE", "/var/run/secrets/kubernetes.io/serviceaccount/token"),
			CAFile:      getEnv("CLUSTER_CA_FILE", "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"),
			InsecureTLS: getEnvBool("CLUSTER_INSECURE_TLS", false),
			KubectlPath: getEnv("KUBECTL_PATH", "kubectl"),
		},
		Release: ReleaseConfig{
			HelmPath:       getEnv("HELM_PATH", "helm"),
			ChartPath:      getEnv("HELM_CHART_PATH", "/app/k8s/helm/collectiveaccess"),
			Image:          getEnv("APP_IMAGE", "julijaand/collectiveaccess:latest"),
			CertIssuer:     getEnv("CERT_ISSUER", "letsencrypt"),
			AdminEmail:     getEnv("APP_ADMIN_EMAIL", "admin@yoursaas.com"),
			Timezone:       getEnv("APP_TIMEZONE", "UTC"),
			InstallTimeout: getEnvDuration("HELM_INSTALL_TIMEOUT", 300*time.Second),
			InstallerCmd:   getEnv("INSTALLER_CMD", "php /var/www/html/ca/support/bin/caUtils install --profile-name=default --overwrite"),
		},
		Naming: NamingConfig{
			NamespacePrefix: getEnv("NAMESPACE_PREFIX", "tenant"),
			BaseDomain:      getEnv("BASE_DOMAIN", "yoursaas.com"),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Orchestration: OrchestrationConfig{
			WorkerCount:         getEnvInt("WORKER_COUNT", 4),
			PollInterval:        getEnvDuration("POLL_INTERVAL", 2*time.Second),
			StepTimeout:         getEnvDuration("STEP_TIMEOUT", 10*time.Minute),
			StepMaxAttempts:     getEnvInt("STEP_MAX_ATTEMPTS", 4),
			StepInitialBackoff:  getEnvDuration("STEP_INITIAL_BACKOFF", 500*time.Millisecond),
			StepMaxBackoff:      getEnvDuration("STEP_MAX_BACKOFF", 10*time.Second),
			MaxTaskAttempts:     getEnvInt("MAX_TASK_ATTEMPTS", 5),
			TaskRetryBase:       getEnvDuration("TASK_RETRY_BASE", 30*time.Second),
			TaskRetryMax:        getEnvDuration("TASK_RETRY_MAX", 15*time.Minute),
			TaskLease:           getEnvDuration("TASK_LEASE", 30*time.Minute),
			ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", time.Minute),
			StaleAfter:          getEnvDuration("STALE_AFTER", 15*time.Minute),
			DeletionGracePeriod: getEnvDuration("DELETION_GRACE_PERIOD", 30*24*time.Hour),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("APP_ENV", "production"),
		},
		PlanCatalog: getEnv("PLAN_CATALOG_FILE", ""),
	}

	return cfg
}

// LogSummary 日志脱敏: 不记录敏感配置
func (c *Config) LogSummary(log *zap.Logger) {
	log.Info("config loaded",
		zap.String("port", c.Server.Port),
		zap.String("db", c.Database.Host+"/"+c.Database.DBName+"."+c.Database.Schema),
		zap.String("cluster", c.Cluster.APIServer),
		zap.String("base_domain", c.Naming.BaseDomain),
		zap.Int("workers", c.Orchestration.WorkerCount),
	)
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if insecureDefaults[c.Webhook.Secret] {
		return fmt.Errorf("WEBHOOK_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if insecureDefaults[c.Admin.APIKey] {
		return fmt.Errorf("ADMIN_API_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.Admin.APIKey) < 32 {
		return fmt.Errorf("ADMIN_API_KEY must be at least 32 characters long")
	}
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}
	if len(c.Encryption.Key) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 characters long")
	}
	if c.Orchestration.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.Orchestration.StepMaxAttempts <= 0 || c.Orchestration.MaxTaskAttempts <= 0 {
		return fmt.Errorf("STEP_MAX_ATTEMPTS and MAX_TASK_ATTEMPTS must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

// DSN connects to the maintenance database of the tenant server.
func (c *TenantDBConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/postgres?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
