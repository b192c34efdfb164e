package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/lightspeed-meet/globals"
)

const (
	defaultAddr             = "localhost:8000"
	defaultHandRaiseTimeout = 5 * time.Second
	defaultSendBufferSize   = 256
	defaultMaxMessageSize   = 64 * 1024
	defaultTokenCacheSize   = 1024
	defaultJanitorCronSpec  = "@every 1m"
	defaultRetention        = 30 * 24 * time.Hour
)

// DefaultStunServers are used when no ICE servers are configured.
var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config is the global configuration object which is filled via the configuration file(s), the environment
// (prefix LSMEET_) and the command line flags.
type Config struct {
	Addr              string            `mapstructure:"addr"`
	SSLCert           string            `mapstructure:"ssl_cert"`
	SSLKey            string            `mapstructure:"ssl_key"`
	LogLevel          string            `mapstructure:"log_level"`
	AllowedOrigins    []string          `mapstructure:"allowed_origins"`
	MeetingConfig     MeetingConfig     `mapstructure:"meeting"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	JanitorConfig     JanitorConfig     `mapstructure:"janitor"`
	ICEConfig         ICEConfig         `mapstructure:"ice"`
	Policy            map[string]string `mapstructure:"policy"`
}

// MeetingConfig tunes the signaling relay.
type MeetingConfig struct {
	HandRaiseTimeout time.Duration `mapstructure:"hand_raise_timeout"`
	SendBufferSize   int           `mapstructure:"send_buffer_size"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
}

// AuthConfig controls whether identity tokens are mandatory on join.
type AuthConfig struct {
	RequireToken   bool `mapstructure:"require_token"`
	TokenCacheSize int  `mapstructure:"token_cache_size"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com", this is used to construct the discovery url and subsequently discover the openid endpoints
	UserIdClaim string `mapstructure:"user_id_claim"` // defaults to "sub"
}

// PersistenceConfig configures the attendance journal. Type is one of buntdb, sqlite or postgres, an empty type
// disables the journal.
type PersistenceConfig struct {
	Type      string        `mapstructure:"type"`
	DSN       string        `mapstructure:"dsn"`
	Retention time.Duration `mapstructure:"retention"`
}

type JanitorConfig struct {
	CronSpec string `mapstructure:"cron_spec"`
}

// ICEConfig lists the STUN/TURN servers handed to peer connections.
type ICEConfig struct {
	StunServers  []string `mapstructure:"stun_servers"`
	TurnServers  []string `mapstructure:"turn_servers"`
	TurnUsername string   `mapstructure:"turn_username"`
	TurnPassword string   `mapstructure:"turn_password"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	flagSet.String("addr", "", "ws service address (including port)")
	flagSet.String("ssl-cert", "", "SSL cert for websocket (optional)")
	flagSet.String("ssl-key", "", "SSL key for websocket (optional)")
	flagSet.String("log-level", "", "log level (trace, debug, info, warn, error)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object. flagSet may be nil.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("meeting.hand_raise_timeout", defaultHandRaiseTimeout)
	v.SetDefault("meeting.send_buffer_size", defaultSendBufferSize)
	v.SetDefault("meeting.max_message_size", defaultMaxMessageSize)
	v.SetDefault("auth.token_cache_size", defaultTokenCacheSize)
	v.SetDefault("persistence.retention", defaultRetention)
	v.SetDefault("janitor.cron_spec", defaultJanitorCronSpec)
	v.SetDefault("ice.stun_servers", DefaultStunServers)
	if flagSet != nil {
		// only flags that were actually given override the file
		flagSet.VisitAll(func(f *pflag.Flag) {
			if !f.Changed {
				return
			}
			if err := v.BindPFlag(string(wordSepNormalizeFunc(flagSet, f.Name)), f); err != nil {
				globals.AppLogger.Error("could not bind flag (ignored)", "flag", f.Name, "error", err)
			}
		})
	}
	v.SetEnvPrefix("LSMEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, err
		}
	}
	cfg := Config{}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.ICEConfig.StunServers) == 0 && len(cfg.ICEConfig.TurnServers) == 0 {
		cfg.ICEConfig.StunServers = DefaultStunServers
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}
