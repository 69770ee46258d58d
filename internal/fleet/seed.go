package fleet

import (
	"context"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the top-level YAML structure of the fleet seed.
type seedFile struct {
	Bots []BotConfig `yaml:"bots"`
}

// LoadSeed reads bot configs from a YAML file. A missing file returns an
// empty list, not an error.
func LoadSeed(path string) ([]BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Bots, nil
}

// SyncSeed creates bots for seed entries whose name is not yet present in
// the fleet. Existing bots are never modified (configs are immutable) and
// seeded bots are never auto-started.
func (o *Orchestrator) SyncSeed(ctx context.Context, configs []BotConfig) error {
	existing := make(map[string]bool)
	statuses, err := o.ListBots(ctx)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		if st.Config.Name != "" {
			existing[st.Config.Name] = true
		}
	}

	for _, botCfg := range configs {
		if botCfg.Name == "" || existing[botCfg.Name] {
			continue
		}
		id, err := o.CreateBot(ctx, botCfg)
		if err != nil {
			log.Printf("[Fleet] seed entry %q rejected: %v", botCfg.Name, err)
			continue
		}
		log.Printf("[Fleet] seeded bot %q as %s", botCfg.Name, id)
	}
	return nil
}
