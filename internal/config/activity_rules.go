package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lorrc/studio-realtime/internal/core/domain"
)

// LoadActivityRules reads activity rules from a YAML file. Keys missing from
// the file keep their default values. An empty path returns the defaults.
//
//	payment_completed: payment_done
//	shoot_actions: [shoot_created, shoot_completed]
//	shoot_assigned_actions: [photographer_assigned]
//	request_actions: [editing_request_updated]
func LoadActivityRules(path string) (domain.ActivityRules, error) {
	rules := domain.DefaultActivityRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read activity rules: %w", err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("parse activity rules %s: %w", path, err)
	}

	return rules.Normalized(), nil
}
