package main

import (
	"context"
	"errors"
	"fmt"

	"trustgate/internal/classifier"
	"trustgate/internal/config"
	"trustgate/internal/dedup"
	"trustgate/internal/embedding"
	"trustgate/internal/llm"
	"trustgate/internal/logging"
	"trustgate/internal/prediction"
	"trustgate/internal/ratify"
	"trustgate/internal/responder"
	"trustgate/internal/router"
	"trustgate/internal/store"
	"trustgate/internal/submit"
	"trustgate/internal/trust"
)

// service is the wired engine, minus the event listener.
type service struct {
	store     *store.Store
	registry  *trust.Registry
	router    *router.SmartRouter
	seen      dedup.Set
	responder *responder.Responder
	api       *ratify.Server
}

// buildService wires every component from cfg. The caller owns Close.
func buildService(ctx context.Context, cfg *config.Config) (*service, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "buildService")
	defer timer.Stop()

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}
	svc := &service{store: st}

	svc.registry = trust.NewRegistry(cfg, st)
	if err := svc.registry.Load(ctx); err != nil {
		svc.Close()
		return nil, err
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}
	llmClient, err := llm.New(cfg.LLM, cfg.GetLLMTimeout())
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	predictor := prediction.NewEngine(prediction.ConfigFrom(cfg), embedder, st, llmClient)

	cls, err := classifier.New(cfg.Classifier)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	svc.router = router.New(scheduleFrom(cfg), cfg.Router.UserConnected)

	svc.seen, err = dedup.New(cfg.Dedup, cfg.GetDedupTTL())
	if err != nil {
		svc.Close()
		return nil, err
	}

	deps := responder.Deps{
		Classifier: cls,
		Registry:   svc.registry,
		Router:     svc.router,
		Predictor:  predictor,
		Sink:       st,
		Seen:       svc.seen,
	}
	if cfg.Submission.BaseURL != "" {
		deps.Submitter = submit.NewClient(cfg.Submission.BaseURL, cfg.Submission.Token,
			cfg.Submission.TargetUser, cfg.GetSubmissionTimeout())
	} else {
		logging.Get(logging.CategoryBoot).Warn("no submission endpoint configured, autonomous action disabled")
	}
	svc.responder, err = responder.New(deps, responder.OptionsFromConfig(cfg))
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.api = ratify.NewServer(svc.responder, st)

	logging.Boot("engine wired: taxonomy=%s embedding=%s llm=%s dedup=%s",
		cls.Name(), embedder.Name(), cfg.LLM.Provider, cfg.Dedup.Backend)
	return svc, nil
}

func scheduleFrom(cfg *config.Config) router.Schedule {
	return router.Schedule{
		StartHour: cfg.Router.StartHour,
		EndHour:   cfg.Router.EndHour,
		Location:  cfg.Location(),
	}
}

// Close waits for in-flight decisions and releases resources.
func (s *service) Close() error {
	if s.responder != nil {
		s.responder.Wait()
	}
	var errs []error
	if s.seen != nil {
		errs = append(errs, s.seen.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
