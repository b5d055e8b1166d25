// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"path/filepath"

	"github.com/rolledback/cloudgate/internal/provider"
)

// OAuthClient is one provider's OAuth application credentials.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

type Config struct {
	SettingsPath string
	ServerHost   string
	ServerPort   string
	// RedirectBase is the externally visible base URL used to build
	// per-provider redirect URIs.
	RedirectBase string

	Clients map[provider.Kind]OAuthClient
}

func Load() *Config {
	settingsPath := os.Getenv("CLOUDGATE_SETTINGS")
	if settingsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		settingsPath = filepath.Join(home, ".config", "cloudgate", "settings.json")
	}

	serverPort := os.Getenv("CLOUDGATE_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	serverHost := os.Getenv("CLOUDGATE_HOST")
	if serverHost == "" {
		serverHost = "localhost"
	}

	redirectBase := os.Getenv("CLOUDGATE_REDIRECT_BASE")
	if redirectBase == "" {
		redirectBase = "http://" + serverHost + ":" + serverPort
	}

	clients := make(map[provider.Kind]OAuthClient)
	for kind, env := range map[provider.Kind]string{
		provider.KindGoogleDrive: "CLOUDGATE_GOOGLE",
		provider.KindOneDrive:    "CLOUDGATE_ONEDRIVE",
		provider.KindDropbox:     "CLOUDGATE_DROPBOX",
		provider.KindBox:         "CLOUDGATE_BOX",
		provider.KindYouTube:     "CLOUDGATE_YOUTUBE",
	} {
		clients[kind] = OAuthClient{
			ClientID:     os.Getenv(env + "_CLIENT_ID"),
			ClientSecret: os.Getenv(env + "_CLIENT_SECRET"),
		}
	}

	return &Config{
		SettingsPath: settingsPath,
		ServerHost:   serverHost,
		ServerPort:   serverPort,
		RedirectBase: redirectBase,
		Clients:      clients,
	}
}

// AuthData builds the OAuth parameters for one provider kind.
func (c *Config) AuthData(kind provider.Kind) provider.AuthData {
	client := c.Clients[kind]
	return provider.AuthData{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURI:  c.RedirectBase + "/auth/" + string(kind),
	}
}
