package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atlas/pkg/agent"
	"atlas/pkg/channels"
	_ "atlas/pkg/channels/telegram" // 自動註冊 Channels
	_ "atlas/pkg/channels/web"
	"atlas/pkg/config"
	"atlas/pkg/gateway"
	"atlas/pkg/handler"
	"atlas/pkg/llm"
	_ "atlas/pkg/llm/gemini" // 自動註冊 LLM Providers
	_ "atlas/pkg/llm/ollama"
	_ "atlas/pkg/llm/openailm"
	"atlas/pkg/monitor"
	"atlas/pkg/search"
	"atlas/pkg/storage"
	"atlas/pkg/tools"
	"atlas/pkg/utils"
)

func main() {
	// 啟動監控環境
	monitor.Startup()

	log.Println("==========================================")

	// --- 0. 讀取設定檔 ---
	cfg, sysCfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v\n", err)
	}
	monitor.SetupSlog(sysCfg.LogLevel)

	// --- 1. LLM 設定 ---
	client, err := llm.NewFromConfig(cfg.LLM, sysCfg)
	if err != nil {
		log.Fatalf("❌ Failed to init LLM client: %v\n", err)
	}
	client.SetDebug(sysCfg.DebugChunks)

	// --- 2. 對話持久層 ---
	storagePath := cfg.Storage.Path
	if storagePath == "" {
		storagePath = storage.DefaultPath()
	}
	store, err := storage.Open(storagePath)
	if err != nil {
		log.Fatalf("❌ Failed to open conversation storage: %v\n", err)
	}
	defer store.Close()
	slog.Info("✅ Conversation storage ready", "path", storagePath)

	// --- 3. 搜尋能力 ---
	// 金鑰缺失不是致命錯誤：引擎會降級為純對話模式
	registry := tools.NewToolRegistry()
	if sysCfg.EnableTools {
		apiKey := cfg.Search.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("SERPAPI_KEY")
		}
		if apiKey == "" {
			slog.Warn("⚠️ SERPAPI_KEY not set, running without search capability")
		} else {
			searchClient, err := search.NewClient(apiKey, cfg.Search.BaseURL, nil)
			if err != nil {
				log.Fatalf("❌ Failed to init search client: %v\n", err)
			}
			searchTool := tools.NewSearchTool(searchClient)
			searchTool.SetDefaultResults(cfg.Search.DefaultResults)
			registry.Register(searchTool)
			slog.Info("✅ Internet search capability registered")
		}
	}

	// --- 4. 回答管線 ---
	engine := agent.NewEngine(client, registry, cfg.SystemPrompt, sysCfg.HistoryWindow)

	// --- 5. Handler 與 Gateway（使用 Builder 模式）---
	mon := monitor.NewCLIMonitor()
	chatHandler := handler.NewChatHandler(engine, store, cfg, sysCfg)
	chatHandler.SetMonitor(mon)

	gw, err := gateway.NewGatewayBuilder().
		WithMonitor(mon).
		WithChannel(channels.BuildFromConfig(cfg.Channels, sysCfg)...).
		WithHandler(chatHandler).
		Build()

	if err != nil {
		log.Fatalf("Failed to build gateway: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 6. 設定熱重載監聽 ---
	reloadCh := config.WatchConfig(ctx, "config.json", "system.json")
	go func() {
		for range reloadCh {
			slog.Info("🔄 Configuration file changed, restart to apply")
		}
	}()

	// 定期清理過期的附件檔案
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := utils.PruneOldFiles("data/attachments", 72*time.Hour); n > 0 {
					slog.Info("Pruned old attachments", "count", n)
				}
			}
		}
	}()

	// 監聽系統信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 等待信號
	<-sigChan
	log.Println("\nReceived shutdown signal. Stopping services...")

	// 執行清理
	gw.StopAll()
	log.Println("Bye!")
}
