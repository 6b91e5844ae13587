package main

import (
	"github.com/driftlab/husk/pkg/utils"
	"github.com/driftlab/husk/pkg/worker"
	"github.com/spf13/viper"
)

func LoadConfig() (*worker.Config, error) {
	config := worker.DefaultConfig()

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}
