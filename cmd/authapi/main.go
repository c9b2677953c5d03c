package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/chi-demo/app"

	"github.com/tendant/simple-auth/migrations"
	"github.com/tendant/simple-auth/pkg/events"
	"github.com/tendant/simple-auth/pkg/flowstate"
	"github.com/tendant/simple-auth/pkg/identity"
	"github.com/tendant/simple-auth/pkg/oidcclient"
	"github.com/tendant/simple-auth/pkg/oidcflow"
	oidcapi "github.com/tendant/simple-auth/pkg/oidcflow/api"
	"github.com/tendant/simple-auth/pkg/ratelimit"
	"github.com/tendant/simple-auth/pkg/token"
	tokenapi "github.com/tendant/simple-auth/pkg/token/api"
)

type AuthDbConfig struct {
	Host     string `env:"AUTH_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"AUTH_PG_PORT" env-default:"5432"`
	Database string `env:"AUTH_PG_DATABASE" env-default:"auth_db"`
	User     string `env:"AUTH_PG_USER" env-default:"auth"`
	Password string `env:"AUTH_PG_PASSWORD" env-default:"pwd"`
}

func (d AuthDbConfig) toDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

type OidcConfig struct {
	Authority    string `env:"OIDC_AUTHORITY" env-default:"https://pp.netseidbroker.dk/op"`
	ClientID     string `env:"OIDC_CLIENT_ID"`
	ClientSecret string `env:"OIDC_CLIENT_SECRET"`
}

type FlowConfig struct {
	LoginCallbackURL string `env:"FLOW_LOGIN_CALLBACK_URL" env-default:"http://localhost:4000/oidc/login/callback"`
	SSNCallbackURL   string `env:"FLOW_SSN_CALLBACK_URL" env-default:"http://localhost:4000/oidc/login/callback/ssn"`
	DefaultScopes    string `env:"FLOW_DEFAULT_SCOPES" env-default:"meteringpoints.read,measurements.read"`
	StateSecret      string `env:"FLOW_STATE_SECRET" env-default:"very-secure-state-secret"`
	StateTTL         string `env:"FLOW_STATE_TTL" env-default:"15m"`
	SSNEncryptionKey string `env:"FLOW_SSN_ENCRYPTION_KEY" env-default:"0123456789abcdef0123456789abcdef"`
}

type TokenConfig struct {
	Secret              string `env:"TOKEN_SECRET" env-default:"very-secure-token-secret"`
	CookieName          string `env:"COOKIE_NAME" env-default:"Authorization"`
	CookieDomain        string `env:"COOKIE_DOMAIN"`
	CookieHttpOnly      bool   `env:"COOKIE_HTTP_ONLY" env-default:"true"`
	CookieSameSite      string `env:"COOKIE_SAME_SITE" env-default:"strict"`
	EnableTestEndpoints bool   `env:"TOKEN_TEST_ENDPOINTS" env-default:"false"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
}

type RateLimitConfig struct {
	LoginBurst     int     `env:"RATE_LIMIT_LOGIN_BURST" env-default:"10"`
	LoginPerSecond float64 `env:"RATE_LIMIT_LOGIN_PER_SECOND" env-default:"0.5"`
}

type Config struct {
	AuthDbConfig    AuthDbConfig
	AppConfig       app.AppConfig
	OidcConfig      OidcConfig
	FlowConfig      FlowConfig
	TokenConfig     TokenConfig
	RedisConfig     RedisConfig
	RateLimitConfig RateLimitConfig
}

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			slog.Error("Failed to load .env file", "err", err)
			os.Exit(-1)
		}
	}

	config := Config{}
	cleanenv.ReadEnv(&config)

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	ctx := context.Background()
	dbURL := config.AuthDbConfig.toDatabaseURL()

	migrationDb, err := sql.Open("pgx", dbURL)
	if err != nil {
		slog.Error("Failed opening migration connection", "err", err)
		os.Exit(-1)
	}
	if err := migrations.Run(ctx, migrationDb); err != nil {
		slog.Error("Failed running migrations", "err", err)
		os.Exit(-1)
	}
	migrationDb.Close()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		slog.Error("Failed creating dbpool", "db", config.AuthDbConfig.Database,
			"host", config.AuthDbConfig.Host, "port", config.AuthDbConfig.Port,
			"user", config.AuthDbConfig.User)
		os.Exit(-1)
	}

	provider, err := oidcclient.New(ctx, oidcclient.NewConfigFromAuthority(
		config.OidcConfig.Authority,
		config.OidcConfig.ClientID,
		config.OidcConfig.ClientSecret,
	))
	if err != nil {
		slog.Error("Failed creating provider client", "err", err)
		os.Exit(-1)
	}

	cipher, err := identity.NewSSNCipher([]byte(config.FlowConfig.SSNEncryptionKey))
	if err != nil {
		slog.Error("Failed creating ssn cipher", "err", err)
		os.Exit(-1)
	}

	stateTTL, err := time.ParseDuration(config.FlowConfig.StateTTL)
	if err != nil {
		slog.Error("Failed parsing state ttl", "err", err)
		os.Exit(-1)
	}

	identityService := identity.NewService(identity.NewPostgresIdentityRepository(), cipher)
	tokenService := token.NewService(token.NewCodec(config.TokenConfig.Secret), token.NewPostgresTokenRepository())

	publisher := events.Publisher(events.NewNoopPublisher())
	if config.RedisConfig.Addr != "" {
		publisher = events.NewRedisPublisher(redis.NewClient(&redis.Options{
			Addr:     config.RedisConfig.Addr,
			Password: config.RedisConfig.Password,
		}))
	}

	flowService := oidcflow.NewService(
		oidcflow.Config{
			LoginCallbackURL: config.FlowConfig.LoginCallbackURL,
			SSNCallbackURL:   config.FlowConfig.SSNCallbackURL,
			DefaultScopes:    strings.Split(config.FlowConfig.DefaultScopes, ","),
		},
		flowstate.NewCodec(config.FlowConfig.StateSecret, flowstate.WithTTL(stateTTL)),
		provider,
		identityService,
		tokenService,
		oidcflow.WithPool(pool),
		oidcflow.WithPublisher(publisher),
	)

	cookies := token.NewCookieSetter(token.CookieConfig{
		Name:              config.TokenConfig.CookieName,
		Domain:            config.TokenConfig.CookieDomain,
		AllowScriptAccess: !config.TokenConfig.CookieHttpOnly,
		SameSite:          parseSameSite(config.TokenConfig.CookieSameSite),
	})

	loginLimiter := ratelimit.New(
		config.RateLimitConfig.LoginBurst,
		config.RateLimitConfig.LoginPerSecond,
		time.Hour,
	)
	server.R.Group(func(r chi.Router) {
		r.Use(loginLimiter.Handler)
		oidcapi.NewHandler(flowService, cookies).RegisterRoutes(r)
	})

	tokenOpts := []tokenapi.Option{tokenapi.WithDB(pool)}
	if config.TokenConfig.EnableTestEndpoints {
		slog.Warn("Test token endpoints are enabled")
		tokenOpts = append(tokenOpts, tokenapi.WithTestEndpoints())
	}
	tokenapi.NewHandler(tokenService, cookies, tokenOpts...).RegisterRoutes(server.R)

	server.Run()
}

func parseSameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}
