package main

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

type configCommand struct {
	configFlags
}

// Implement command interface
func (cmd *configCommand) Name() string {
	return "config"
}

func (cmd *configCommand) Help() string {
	return "Print effective configuration"
}

func (cmd *configCommand) Run() error {
	cfg, err := cmd.Config()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
