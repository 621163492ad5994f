package internal

import (
	"encoding/json"
	"log"
	"os"

	"github.com/gantryci/gantry/internal/util"
)

var Config *Configuration

type Configuration struct {
	QueueSize          int64  `json:"queue_size"`
	JobTimeoutMinutes  int64  `json:"job_timeout_minutes"`
	CoverageServiceURL string `json:"coverage_service_url"`
	CoverageFailClosed bool   `json:"coverage_fail_closed"`
}

func InitializeConfiguration() {
	Config = &Configuration{
		QueueSize:          3,
		JobTimeoutMinutes:  10,
		CoverageServiceURL: "https://codecov.example.com/upload/v4",
		CoverageFailClosed: true,
	}

	configFileExists, _ := util.PathExists("config.json")
	if !configFileExists {
		b, err := json.MarshalIndent(Config, "", "    ")
		if err != nil {
			log.Fatal(err)
		}
		configFile, err := os.Create("config.json")
		if err != nil {
			log.Fatal(err)
		}
		if _, err := configFile.Write(b); err != nil {
			log.Fatal(err)
		}
	} else {
		configBytes, err := os.ReadFile("config.json")
		if err != nil {
			log.Fatal(err)
		}
		if err := json.Unmarshal(configBytes, &Config); err != nil {
			log.Fatal(err)
		}
	}
}

func UpdateConfiguration(config *Configuration) error {
	b, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return err
	}

	configFile, err := os.Create("config.json")
	if err != nil {
		return err
	}

	if _, err := configFile.Write(b); err != nil {
		return err
	}

	Config = config

	return nil
}
