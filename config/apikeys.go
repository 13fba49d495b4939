package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeysFile is the YAML layout of API_KEYS_FILE:
//
//	keys:
//	  - key: 3f9a...
//	    tenant: acme
type APIKeysFile struct {
	Keys []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry binds one API key to one tenant
type APIKeyEntry struct {
	Key    string `yaml:"key"`
	Tenant string `yaml:"tenant"`
}

// ParseAPIKeys parses "key:tenant,key:tenant". Whitespace around entries is ignored.
func ParseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, tenant, ok := strings.Cut(entry, ":")
		key, tenant = strings.TrimSpace(key), strings.TrimSpace(tenant)
		if !ok || key == "" || tenant == "" {
			return nil, fmt.Errorf("invalid API_KEYS entry: expected key:tenant")
		}
		if err := addKey(keys, key, tenant); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// LoadAPIKeysFile reads a YAML key file
func LoadAPIKeysFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read api keys file: %w", err)
	}
	return ParseAPIKeysYAML(data)
}

// ParseAPIKeysYAML decodes the YAML key file layout
func ParseAPIKeysYAML(data []byte) (map[string]string, error) {
	var file APIKeysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse api keys file: %w", err)
	}

	keys := make(map[string]string, len(file.Keys))
	for i, e := range file.Keys {
		key, tenant := strings.TrimSpace(e.Key), strings.TrimSpace(e.Tenant)
		if key == "" || tenant == "" {
			return nil, fmt.Errorf("api keys file entry %d: key and tenant are required", i)
		}
		if err := addKey(keys, key, tenant); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// addKey rejects one key bound to two tenants; the raw key is never echoed
func addKey(keys map[string]string, key, tenant string) error {
	if existing, ok := keys[key]; ok && existing != tenant {
		return fmt.Errorf("api key bound to both %q and %q", existing, tenant)
	}
	keys[key] = tenant
	return nil
}
