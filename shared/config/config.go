package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"multitenant-template/shared/events"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaRetryMax    int
	KafkaWriteMS     int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	// Outbox dispatch.
	OutboxLeaseSec          int
	OutboxDispatchSec       int
	OutboxDeliveryTimeoutMS int
	OutboxMaxPerTick        int
	OutboxDefaultTopic      string
	OutboxRoutesPath        string

	// Authorization policy cache and activity group replication.
	AuthzCacheNamespace    string
	AuthzGrantsCacheTTLSec int
	AuthzGrantsMaxAgeSec   int
	AuthzGroupsCacheTTLSec int
	AuthzGroupsTopic       string
	AuthzSyncLockTTLSec    int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int
	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func (c Config) OutboxLease() time.Duration {
	return time.Duration(c.OutboxLeaseSec) * time.Second
}

func (c Config) OutboxDeliveryTimeout() time.Duration {
	return time.Duration(c.OutboxDeliveryTimeoutMS) * time.Millisecond
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                     envRaw,
		ServiceName:             serviceNameDefault,
		HTTPPort:                httpPortDefault,
		LogLevel:                "info",
		ConfigPath:              strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:        30000,
		JWKSTTLSeconds:          300,
		JWTClockSkewSec:         60,
		DBMaxConns:              10,
		DBMinConns:              1,
		DBConnMaxIdleSec:        300,
		DBConnMaxLifeSec:        1800,
		KafkaRetryMax:           5,
		KafkaWriteMS:            5000,
		AsynqQueue:              "default",
		AsynqConcurrency:        10,
		OutboxLeaseSec:          5,
		OutboxDispatchSec:       5,
		OutboxDeliveryTimeoutMS: 4000,
		OutboxMaxPerTick:        100,
		OutboxDefaultTopic:      events.TopicDomainEvents,
		AuthzCacheNamespace:     "template",
		AuthzGrantsCacheTTLSec:  900,
		AuthzGrantsMaxAgeSec:    3600,
		AuthzGroupsCacheTTLSec:  3600,
		AuthzGroupsTopic:        events.TopicActivityGroups,
		AuthzSyncLockTTLSec:     30,
		InfluxTimeoutMS:         5000,
		OtelInsecure:            true,
		OtelSampleRatio:         1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// If issuer is set and no explicit JWKS URL is provided, default to issuer/.well-known/jwks.json.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	validate(&cfg, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

// bound is a lower limit on an integer setting; violations reset the value to fallback.
type bound struct {
	field    string
	value    *int
	min      int
	fallback int
}

func validate(cfg *Config, problems *[]Problem) {
	bounds := []bound{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 1, 30000},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 1, 300},
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 0, 60},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, 1, 10},
		{"DB_MIN_CONNS", &cfg.DBMinConns, 0, 1},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 1, 300},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1, 1800},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 0, 5},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 1, 5000},
		{"REDIS_DB", &cfg.RedisDB, 0, 0},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0, 0},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 1, 10},
		{"OUTBOX_LEASE_SECONDS", &cfg.OutboxLeaseSec, 1, 5},
		{"OUTBOX_DISPATCH_INTERVAL_SECONDS", &cfg.OutboxDispatchSec, 1, 5},
		{"OUTBOX_DELIVERY_TIMEOUT_MS", &cfg.OutboxDeliveryTimeoutMS, 1, 4000},
		{"OUTBOX_MAX_PER_TICK", &cfg.OutboxMaxPerTick, 1, 100},
		{"AUTHZ_GRANTS_CACHE_TTL_SECONDS", &cfg.AuthzGrantsCacheTTLSec, 1, 900},
		{"AUTHZ_GRANTS_CACHE_MAX_AGE_SECONDS", &cfg.AuthzGrantsMaxAgeSec, 1, 3600},
		{"AUTHZ_GROUPS_CACHE_TTL_SECONDS", &cfg.AuthzGroupsCacheTTLSec, 1, 3600},
		{"AUTHZ_SYNC_LOCK_TTL_SECONDS", &cfg.AuthzSyncLockTTLSec, 1, 30},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 1, 5000},
	}
	for _, b := range bounds {
		if *b.value < b.min {
			op := "> " + strconv.Itoa(b.min-1)
			if b.min == 0 {
				op = ">= 0"
			}
			*problems = append(*problems, Problem{Field: b.field, Message: b.field + " must be " + op})
			*b.value = b.fallback
		}
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.OutboxDeliveryTimeoutMS >= cfg.OutboxLeaseSec*1000 {
		*problems = append(*problems, Problem{Field: "OUTBOX_DELIVERY_TIMEOUT_MS", Message: "OUTBOX_DELIVERY_TIMEOUT_MS must be shorter than the outbox lease"})
		cfg.OutboxDeliveryTimeoutMS = cfg.OutboxLeaseSec*1000 - cfg.OutboxLeaseSec*200
	}
	if strings.TrimSpace(cfg.AuthzCacheNamespace) == "" {
		*problems = append(*problems, Problem{Field: "AUTHZ_CACHE_NAMESPACE", Message: "AUTHZ_CACHE_NAMESPACE must not be empty"})
		cfg.AuthzCacheNamespace = "template"
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

type settingKind int

const (
	kindString settingKind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindList
)

// setting binds one configuration key to a Config field. Env vars and config
// file keys share the same names.
type setting struct {
	key  string
	kind settingKind
	ptr  any
}

func settings(cfg *Config) []setting {
	return []setting{
		{"SERVICE_NAME", kindString, &cfg.ServiceName},
		{"LOG_LEVEL", kindString, &cfg.LogLevel},
		{"REQUEST_TIMEOUT_MS", kindInt, &cfg.RequestTimeoutMS},
		{"OIDC_ISSUER", kindString, &cfg.OIDCIssuer},
		{"OIDC_AUDIENCE", kindString, &cfg.OIDCAudience},
		{"OIDC_JWKS_URL", kindString, &cfg.OIDCJWKSURL},
		{"JWKS_CACHE_TTL_SECONDS", kindInt, &cfg.JWKSTTLSeconds},
		{"JWT_CLOCK_SKEW_SECONDS", kindInt, &cfg.JWTClockSkewSec},
		{"DATABASE_URL", kindString, &cfg.DatabaseURL},
		{"DB_MAX_CONNS", kindInt, &cfg.DBMaxConns},
		{"DB_MIN_CONNS", kindInt, &cfg.DBMinConns},
		{"DB_CONN_MAX_IDLE_SECONDS", kindInt, &cfg.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", kindInt, &cfg.DBConnMaxLifeSec},
		{"KAFKA_BROKERS", kindList, &cfg.KafkaBrokers},
		{"KAFKA_CLIENT_ID", kindString, &cfg.KafkaClientID},
		{"KAFKA_CONSUMER_GROUP", kindString, &cfg.KafkaGroupID},
		{"KAFKA_RETRY_MAX", kindInt, &cfg.KafkaRetryMax},
		{"KAFKA_WRITE_TIMEOUT_MS", kindInt, &cfg.KafkaWriteMS},
		{"REDIS_ADDR", kindString, &cfg.RedisAddr},
		{"REDIS_PASSWORD", kindSecret, &cfg.RedisPassword},
		{"REDIS_DB", kindInt, &cfg.RedisDB},
		{"ASYNQ_REDIS_ADDR", kindString, &cfg.AsynqRedisAddr},
		{"ASYNQ_REDIS_PASSWORD", kindSecret, &cfg.AsynqRedisPass},
		{"ASYNQ_REDIS_DB", kindInt, &cfg.AsynqRedisDB},
		{"ASYNQ_QUEUE", kindString, &cfg.AsynqQueue},
		{"ASYNQ_CONCURRENCY", kindInt, &cfg.AsynqConcurrency},
		{"OUTBOX_LEASE_SECONDS", kindInt, &cfg.OutboxLeaseSec},
		{"OUTBOX_DISPATCH_INTERVAL_SECONDS", kindInt, &cfg.OutboxDispatchSec},
		{"OUTBOX_DELIVERY_TIMEOUT_MS", kindInt, &cfg.OutboxDeliveryTimeoutMS},
		{"OUTBOX_MAX_PER_TICK", kindInt, &cfg.OutboxMaxPerTick},
		{"OUTBOX_DEFAULT_TOPIC", kindString, &cfg.OutboxDefaultTopic},
		{"OUTBOX_ROUTES_PATH", kindString, &cfg.OutboxRoutesPath},
		{"AUTHZ_CACHE_NAMESPACE", kindString, &cfg.AuthzCacheNamespace},
		{"AUTHZ_GRANTS_CACHE_TTL_SECONDS", kindInt, &cfg.AuthzGrantsCacheTTLSec},
		{"AUTHZ_GRANTS_CACHE_MAX_AGE_SECONDS", kindInt, &cfg.AuthzGrantsMaxAgeSec},
		{"AUTHZ_GROUPS_CACHE_TTL_SECONDS", kindInt, &cfg.AuthzGroupsCacheTTLSec},
		{"AUTHZ_GROUPS_TOPIC", kindString, &cfg.AuthzGroupsTopic},
		{"AUTHZ_SYNC_LOCK_TTL_SECONDS", kindInt, &cfg.AuthzSyncLockTTLSec},
		{"INFLUX_URL", kindString, &cfg.InfluxURL},
		{"INFLUX_TOKEN", kindSecret, &cfg.InfluxToken},
		{"INFLUX_ORG", kindString, &cfg.InfluxOrg},
		{"INFLUX_BUCKET", kindString, &cfg.InfluxBucket},
		{"INFLUX_TIMEOUT_MS", kindInt, &cfg.InfluxTimeoutMS},
		{"OTEL_ENABLED", kindBool, &cfg.OtelEnabled},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", kindString, &cfg.OtelEndpoint},
		{"OTEL_EXPORTER_OTLP_INSECURE", kindBool, &cfg.OtelInsecure},
		{"OTEL_SAMPLE_RATIO", kindFloat, &cfg.OtelSampleRatio},
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	for _, s := range settings(cfg) {
		raw := os.Getenv(s.key)
		if s.kind != kindSecret {
			raw = strings.TrimSpace(raw)
		}
		if raw == "" {
			continue
		}
		assign(s, raw, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	index := make(map[string]setting)
	for _, s := range settings(cfg) {
		index[s.key] = s
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
			continue
		}
		s, ok := index[key]
		if !ok {
			continue
		}
		assign(s, v, problems)
	}
}

// assign writes v into the setting's field. v is a string from the
// environment or a decoded JSON value from the config file.
func assign(s setting, v any, problems *[]Problem) {
	switch s.kind {
	case kindString, kindSecret:
		str, ok := v.(string)
		if !ok {
			return
		}
		if s.kind == kindString {
			str = strings.TrimSpace(str)
		}
		if str == "" && s.key == "SERVICE_NAME" {
			return
		}
		*(s.ptr.(*string)) = str
	case kindInt:
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: s.key, Message: s.key + " must be an integer"})
			return
		}
		*(s.ptr.(*int)) = n
	case kindBool:
		b, ok := asBoolValue(v)
		if !ok {
			*problems = append(*problems, Problem{Field: s.key, Message: s.key + " must be a boolean"})
			return
		}
		*(s.ptr.(*bool)) = b
	case kindFloat:
		f, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: s.key, Message: s.key + " must be a number"})
			return
		}
		*(s.ptr.(*float64)) = f
	case kindList:
		switch t := v.(type) {
		case string:
			*(s.ptr.(*[]string)) = parseCSV(t)
		case []any:
			*(s.ptr.(*[]string)) = parseAnyCSV(t)
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBoolValue(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return asBool(t)
	default:
		return false, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
