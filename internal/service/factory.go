package service

import (
	"log/slog"

	"stagegraph.app/planner/internal/queue"
	"stagegraph.app/planner/internal/store"
)

type ServicesConfig struct {
	Stores     store.Provider
	TxRunner   store.TxRunner
	Recipes    StageSource
	Producer   queue.Producer
	MaxRetries int
	Logger     *slog.Logger
}

type Services struct {
	cfg ServicesConfig
}

func NewServices(cfg ServicesConfig) *Services {
	return &Services{cfg: cfg}
}

func (s *Services) Jobs() JobService {
	return NewJobService(s.cfg.Stores, s.cfg.TxRunner, s.cfg.Recipes, s.cfg.Producer, s.cfg.MaxRetries, s.cfg.Logger)
}
