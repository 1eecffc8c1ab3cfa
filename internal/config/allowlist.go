package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Allowlist is an optional static overlay restricting which sites and
// devices may submit attendance events. An empty Allowlist (the default,
// when no file is configured) imposes no restriction. Modeled on the
// services/bundler manifest: a small YAML document read once at startup.
type Allowlist struct {
	Sites   []string `yaml:"sites,omitempty"`
	Devices []string `yaml:"devices,omitempty"`
}

// LoadAllowlist reads and parses the YAML allowlist file at path. An empty
// path returns a zero-value Allowlist, which permits everything.
func LoadAllowlist(path string) (Allowlist, error) {
	if path == "" {
		return Allowlist{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	var list Allowlist
	if err := yaml.Unmarshal(data, &list); err != nil {
		return Allowlist{}, err
	}
	return list, nil
}

// AllowsSite reports whether siteID may submit events. An unconfigured
// (empty) site list allows every site; an empty siteID on the event is
// never checked against the list, since not every device reports one.
func (a Allowlist) AllowsSite(siteID string) bool {
	if len(a.Sites) == 0 || siteID == "" {
		return true
	}
	return contains(a.Sites, siteID)
}

// AllowsDevice reports whether deviceID may submit events, under the same
// unconfigured-allows-everything rule as AllowsSite.
func (a Allowlist) AllowsDevice(deviceID string) bool {
	if len(a.Devices) == 0 || deviceID == "" {
		return true
	}
	return contains(a.Devices, deviceID)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
