// Package config provides loading and environment overlay for the txoutbox
// command configuration. It exposes a Default() baseline that a JSON file,
// TXOUTBOX_* environment variables and command line flags override in turn.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/txoutbox.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
