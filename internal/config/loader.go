package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Config file is optional; defaults and environment still apply
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if cfg.Failover.InventoryFile != "" {
		nodes, err := LoadInventory(cfg.Failover.InventoryFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback inventory: %w", err)
		}
		cfg.Failover.FallbackNodes = mergeNodes(cfg.Failover.FallbackNodes, nodes)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Inventory is the on-disk list of standby nodes used for failover
type Inventory struct {
	Nodes []InventoryNode `yaml:"nodes"`
}

// InventoryNode is a single standby node
type InventoryNode struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// LoadInventory reads a YAML fallback inventory and returns node addresses
func LoadInventory(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
	}

	nodes := make([]string, 0, len(inv.Nodes))
	for _, n := range inv.Nodes {
		if n.Address == "" {
			continue
		}
		if n.ID != "" && n.ID != n.Address {
			nodes = append(nodes, n.ID+"="+n.Address)
		} else {
			nodes = append(nodes, n.Address)
		}
	}
	return nodes, nil
}

// ParseFallbackNode splits an "id=address" entry; a bare address is its own id
func ParseFallbackNode(entry string) (id, address string) {
	if i := strings.Index(entry, "="); i > 0 {
		return entry[:i], entry[i+1:]
	}
	return entry, entry
}

func mergeNodes(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, n := range append(existing, extra...) {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if nodeID := os.Getenv("COORD_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if port := os.Getenv("COORD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if addr := os.Getenv("COORD_ADVERTISE_ADDR"); addr != "" {
		cfg.Server.AdvertiseAddr = addr
	}

	// Redis configuration
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if timeout := os.Getenv("REDIS_OPERATION_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Redis.OperationTimeout = d
		}
	}

	// Archive configuration
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
		cfg.Postgres.Enabled = true
	}

	// Transport configuration
	if kind := os.Getenv("COORD_TRANSPORT"); kind != "" {
		cfg.Transport.Kind = kind
	}
	if seeds := os.Getenv("COORD_GOSSIP_SEEDS"); seeds != "" {
		cfg.Transport.Seeds = strings.Split(seeds, ",")
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
