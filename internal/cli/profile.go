package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Profile is what `pancakes remote use` remembers between invocations.
type Profile struct {
	APIBaseURL string `json:"api_base_url"`
}

var ErrNoProfile = errors.New("no saved remote profile")

// DefaultDir is ~/.pancakes.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pancakes"), nil
}

func profilePath(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "remote.json"), nil
}

func SaveProfile(dir string, p Profile) error {
	p.APIBaseURL = strings.TrimRight(strings.TrimSpace(p.APIBaseURL), "/")
	if p.APIBaseURL == "" {
		return fmt.Errorf("api base url is required")
	}
	path, err := profilePath(dir)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func LoadProfile(dir string) (Profile, error) {
	body, err := os.ReadFile(filepath.Join(dir, "remote.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{}, ErrNoProfile
		}
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if strings.TrimSpace(p.APIBaseURL) == "" {
		return Profile{}, ErrNoProfile
	}
	return p, nil
}

func ClearProfile(dir string) error {
	err := os.Remove(filepath.Join(dir, "remote.json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
