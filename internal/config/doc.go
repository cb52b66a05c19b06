// Package config loads pipeflow runner settings from the environment.
//
// Every setting has a PIPEFLOW_ prefixed variable and a default suitable
// for running on a workstation:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger, err := config.NewLogger(cfg.LogLevel)
package config
