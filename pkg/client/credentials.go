package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SaveCredentials writes the bundle returned by PairComplete to path as JSON.
// The refresh token inside is a long-lived secret, so the file is created
// with mode 0600 and the parent directory with 0700.
//
//	creds, _ := c.PairComplete(ctx, code, "workstation")
//	client.SaveCredentials(os.ExpandEnv("$HOME/.relayctl/credentials.json"), creds)
func SaveCredentials(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// LoadCredentials reads a bundle previously written by SaveCredentials.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %q: %w", path, err)
	}
	return &creds, nil
}

// NewFromCredentialsFile builds a Client from saved credentials. The stored
// access token may already be stale; refresh on TOKEN_EXPIRED and persist
// the rotated pair:
//
//	c, err := client.NewFromCredentialsFile(relayURL, credsPath)
//	if client.ErrorCode(err) == client.CodeTokenExpired {
//	    rotated, _ := c.Refresh(ctx, creds.RefreshToken)
//	    c.SetAccessToken(rotated.AccessToken)
//	}
func NewFromCredentialsFile(baseURL, path string, opts ...Option) (*Client, error) {
	creds, err := LoadCredentials(path)
	if err != nil {
		return nil, fmt.Errorf("load credentials from %q: %w", path, err)
	}
	return New(baseURL, append([]Option{WithAccessToken(creds.AccessToken)}, opts...)...)
}
