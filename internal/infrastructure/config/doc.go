// Package config handles loading and validating Gray Logic Trigger configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (GRAYTRIGGER_SECTION_KEY)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The hub access token and inference API keys should be set via
//     environment variables, not committed to the config file
//   - The config file should have restricted permissions (0600)
//
// Hub settings are optional at load time. An engine started without them
// keeps running and its state mirror idles until they are provided.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Hub.URL)
package config
