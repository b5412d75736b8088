package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/switchyard/internal/agent"
	"github.com/nugget/switchyard/internal/agentsvc"
	"github.com/nugget/switchyard/internal/attach"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/config"
	"github.com/nugget/switchyard/internal/connwatch"
	"github.com/nugget/switchyard/internal/fetch"
	"github.com/nugget/switchyard/internal/intent"
	"github.com/nugget/switchyard/internal/knowledge"
	"github.com/nugget/switchyard/internal/llm"
	"github.com/nugget/switchyard/internal/orchestrator"
	"github.com/nugget/switchyard/internal/retrieval"
	"github.com/nugget/switchyard/internal/search"
	"github.com/nugget/switchyard/internal/strategy"
	"github.com/nugget/switchyard/internal/toolrouter"
)

// maxAttachmentBytes caps each downloaded audio attachment.
const maxAttachmentBytes = 100 << 20

// app is the set of long-lived components shared by serve and ask.
type app struct {
	orchestrator *orchestrator.Orchestrator
	tools        *toolrouter.Router
	retrieval    *retrieval.Orchestrator
	index        *knowledge.Store
	models       []chat.ModelConfig

	// probes are the reachability checks for each LLM provider.
	probes map[string]connwatch.ProbeFunc
}

// newApp builds every routing component from cfg.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	llmClient, probes := createLLMClient(cfg, logger)

	index, err := knowledge.Open(indexPath(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open knowledge index: %w", err)
	}
	registry := knowledge.NewRegistry(index)
	for _, kb := range cfg.Retrieval.KnowledgeBases {
		registry.Register(knowledge.Base{
			ID:              kb.ID,
			Name:            kb.Name,
			ResultCount:     kb.ResultCount,
			SemanticProfile: kb.SemanticProfile,
		})
	}
	retr := retrieval.New(registry, llmClient, modelOr(cfg.Retrieval.ReformulationModel, cfg.Models.Default), logger)

	searchMgr := createSearchManager(cfg, logger)
	tools := toolrouter.New(llmClient, modelOr(cfg.ToolRouter.Model, cfg.Models.Default), logger)

	local := &strategy.Local{
		LLM:          llmClient,
		DefaultModel: cfg.Models.Default,
		SystemPrompt: cfg.SystemPrompt,
		Router:       tools,
		Search:       searchMgr,
		SearchCount:  cfg.Search.ResultCount,
		Retrieval:    retr,
		Downloader:   attach.NewDownloader(maxAttachmentBytes),
		Logger:       logger,
	}
	if tc := cfg.Strategies.Transcription; tc.BaseURL != "" {
		local.Transcriber = strategy.NewOpenAITranscriber(tc.BaseURL, tc.APIKey, tc.Model, logger)
	}

	mux := strategy.NewMux(local)
	if remote := strategy.NewRemote(cfg.Strategies.RemoteURL, cfg.Strategies.APIKey, logger); remote.Configured() {
		// Hosted agents only exist remotely.
		mux.Handle(strategy.Agent, remote)
		for _, name := range cfg.Strategies.Remote {
			mux.Handle(strategy.Name(name), remote)
		}
		logger.Info("remote strategies enabled", "url", cfg.Strategies.RemoteURL, "strategies", cfg.Strategies.Remote)
	}

	var pipeline *agent.Pipeline
	svc := agentsvc.New(cfg.AgentService.URL, cfg.AgentService.APIKey)
	executor := &agent.LocalExecutor{
		SearchCount: cfg.Search.ResultCount,
		Knowledge:   registry,
		Fetcher:     fetch.New(),
	}
	if searchMgr.Configured() {
		executor.Search = searchMgr
	}
	if svc.Configured() {
		pipeline = agent.NewPipeline(
			agent.SettingsFromConfig(cfg.Agents),
			intent.NewRemoteClassifier(svc),
			agent.Chain{executor, agent.NewRemoteExecutor(svc)},
			agent.RemoteOptimizer{Svc: svc},
			logger,
		)
		logger.Info("agent service enabled", "url", cfg.AgentService.URL)
	} else {
		pipeline = agent.NewPipeline(
			agent.SettingsFromConfig(cfg.Agents),
			intent.NewLLMClassifier(llmClient, modelOr(cfg.Agents.ClassifierModel, cfg.Models.Default), logger),
			executor,
			agent.ReformulatingOptimizer{R: retr},
			logger,
		)
	}

	models := make([]chat.ModelConfig, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		models = append(models, m.Model())
	}

	return &app{
		orchestrator: orchestrator.New(mux, pipeline, logger),
		tools:        tools,
		retrieval:    retr,
		index:        index,
		models:       models,
		probes:       probes,
	}, nil
}

// Close releases the knowledge index.
func (a *app) Close() error {
	return a.index.Close()
}

// createLLMClient builds a multi-provider client. Catalog models are
// mapped to their provider; anything unmapped goes to Ollama. The
// returned probes ping each provider by name.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, map[string]connwatch.ProbeFunc) {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)
	probes := map[string]connwatch.ProbeFunc{"ollama": ollamaClient.Ping}

	if oc := cfg.Models.OpenAI; oc.BaseURL != "" {
		openaiClient := llm.NewOpenAIClient(oc.BaseURL, oc.APIKey, logger)
		multi.AddProvider("openai", openaiClient)
		probes["openai"] = openaiClient.Ping
		logger.Info("OpenAI-compatible provider configured", "base_url", oc.BaseURL)
	}

	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Model().Name, provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default)
	return multi, probes
}

func createSearchManager(cfg *config.Config, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Search.Provider, logger)
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if cfg.Search.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if mgr.Configured() {
		logger.Info("web search enabled", "providers", mgr.Providers())
	}
	return mgr
}

func indexPath(cfg *config.Config) string {
	if cfg.Retrieval.IndexPath != "" {
		return cfg.Retrieval.IndexPath
	}
	return filepath.Join(cfg.DataDir, "knowledge.db")
}

func modelOr(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}
