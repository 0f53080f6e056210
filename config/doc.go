// Package config provides application configuration management.
//
// The config package loads the application's configuration from YAML files
// (with an optional dotenv file for secrets) and validates it. Completion
// backends and system messages are exposed through a Registry that can be
// reloaded at runtime with a single atomic swap.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	registry, err := config.NewRegistry(cfg)
//	fmt.Println(registry.Names())
package config
