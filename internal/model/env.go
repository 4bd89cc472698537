package model

import (
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "SCRAPECTL"

var envKeys = []string{
	"store.driver",
	"store.dsn",
	"service.verbose",
	"service.log",
	"service.listen",
	"service.grace",
	"service.kill_wait",
	"job.backend",
	"job.image",
	"job.log_dir",
}

// ApplyEnv overrides cfg with SCRAPECTL_<SECTION>_<KEY> environment variables,
// eg. SCRAPECTL_STORE_DSN. A postgres store without a dsn is configured from the
// libpq PG* variables.
func ApplyEnv(cfg Config) Config {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("store.driver", &cfg.Store.Driver)
	str("store.dsn", &cfg.Store.DSN)
	str("service.log", &cfg.Service.Log)
	str("service.listen", &cfg.Service.Listen)
	str("service.grace", &cfg.Service.Grace)
	str("service.kill_wait", &cfg.Service.KillWait)
	str("job.backend", &cfg.Job.Backend)
	str("job.image", &cfg.Job.Image)
	str("job.log_dir", &cfg.Job.LogDir)
	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = v.GetBool("service.verbose")
	}

	if cfg.Store.Driver == StorePostgres && cfg.Store.DSN == "" {
		cfg.Store.DSN = PostgresDSNFromEnv()
	}
	return cfg
}

// PostgresDSNFromEnv builds a connection URL from PGHOST, PGPORT, PGDATABASE,
// PGUSER, PGPASSWORD and PGSSLMODE. sslmode defaults to require.
func PostgresDSNFromEnv() string {
	host := os.Getenv("PGHOST")
	if host == "" {
		return ""
	}
	if port := os.Getenv("PGPORT"); port != "" {
		host = net.JoinHostPort(host, port)
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + os.Getenv("PGDATABASE"),
	}
	if user := os.Getenv("PGUSER"); user != "" {
		if pass, ok := os.LookupEnv("PGPASSWORD"); ok {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	sslmode := os.Getenv("PGSSLMODE")
	if sslmode == "" {
		sslmode = "require"
	}
	u.RawQuery = url.Values{"sslmode": []string{sslmode}}.Encode()
	return u.String()
}
