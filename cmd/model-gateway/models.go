package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/OverClawApp/releases-sub001/internal/config"
	"github.com/OverClawApp/releases-sub001/internal/keypool"
	"github.com/OverClawApp/releases-sub001/internal/registry"
)

type modelView struct {
	registry.ModelDef `yaml:",inline"`
	Keys              int `yaml:"keys"`
}

type catalogView struct {
	Models []modelView                        `yaml:"models"`
	Routes map[registry.TaskCategory][]string `yaml:"routes"`
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Print the model catalog, credential counts and routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			reg, err := registry.FromConfig(cfg.Models, cfg.Routes)
			if err != nil {
				return err
			}
			keys := keypool.NewManager(keypool.Options{MaxSuffix: cfg.Keys.MaxSuffix, Extra: cfg.Keys.Extra})

			view := catalogView{Routes: reg.Routes()}
			for _, m := range reg.Models() {
				view.Models = append(view.Models, modelView{ModelDef: m, Keys: keys.Count(m.KeyEnv)})
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(view)
		},
	}
}
