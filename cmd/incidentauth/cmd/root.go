package cmd

import (
	"github.com/spf13/cobra"

	"incidentauth/pkg/config"
)

var (
	configPath  string
	baseURL     string
	clientID    string
	redirectURL string
	storePath   string
	sessionID   string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "incidentauth",
	Short: "Sign in to the incident CMS",
	Long: `incidentauth signs you in to the incident CMS with OAuth2 PKCE and keeps
every running instance on the same identity.

Just run:
  incidentauth login

Your browser will open, you'll authenticate, and the token is stored for the
other commands.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	flags.StringVar(&baseURL, "base-url", "", "CMS base URL (e.g. http://localhost:8080)")
	flags.StringVar(&clientID, "client-id", "", "OAuth2 client ID")
	flags.StringVar(&redirectURL, "redirect-url", "", "registered redirect URI served on loopback")
	flags.StringVar(&storePath, "store", "", "credential database path")
	flags.StringVar(&sessionID, "session-id", "", "share session flags with other commands using this ID")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig reads the config file and environment, then applies flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flag(name)
		return f != nil && f.Changed
	}

	if changed("base-url") {
		cfg.BaseURL = baseURL
	}
	if changed("client-id") {
		cfg.ClientID = clientID
	}
	if changed("redirect-url") {
		cfg.RedirectURL = redirectURL
	}
	if changed("store") {
		cfg.StorePath = storePath
	}
	if changed("session-id") {
		cfg.SessionID = sessionID
	}
	if changed("log-level") {
		cfg.Log.Level = logLevel
	}
}
