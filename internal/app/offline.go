package app

import (
	"msgroute/internal/config"
	"msgroute/internal/routing"
)

// Routing is the request pipeline a config file describes, without any
// listener, logger or background task attached.
type Routing struct {
	Config      *config.Config
	Missing     bool
	Validator   routing.Validator
	Partitioner routing.Partitioner
}

// LoadRouting loads and validates cfgPath the same way New does. A missing
// file yields the built-in defaults with Missing set.
func LoadRouting(cfgPath string) (*Routing, error) {
	cfg, missing, err := config.NewConfigManager(cfgPath).LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	topo, err := mapTopology(cfg)
	if err != nil {
		return nil, err
	}
	v, err := mapValidator(cfg)
	if err != nil {
		return nil, err
	}
	return &Routing{
		Config:      cfg,
		Missing:     missing,
		Validator:   v,
		Partitioner: routing.NewPartitioner(topo),
	}, nil
}
