package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/z-wentao/readrepeat/pkg/aligner"
	"github.com/z-wentao/readrepeat/pkg/audio"
	"github.com/z-wentao/readrepeat/pkg/config"
	"github.com/z-wentao/readrepeat/pkg/lesson"
	"github.com/z-wentao/readrepeat/pkg/lock"
	"github.com/z-wentao/readrepeat/pkg/logger"
	"github.com/z-wentao/readrepeat/pkg/pipeline"
	"github.com/z-wentao/readrepeat/pkg/queue"
	"github.com/z-wentao/readrepeat/pkg/recording"
	"github.com/z-wentao/readrepeat/pkg/search"
	"github.com/z-wentao/readrepeat/pkg/server"
	"github.com/z-wentao/readrepeat/pkg/storage"
	"github.com/z-wentao/readrepeat/pkg/tagger"
	"github.com/z-wentao/readrepeat/pkg/transcriber"
	"github.com/z-wentao/readrepeat/pkg/transcript"
	"github.com/z-wentao/readrepeat/pkg/tts"
	"github.com/z-wentao/readrepeat/pkg/worker"
)

// queueBackend 队列实现同时提供积压查询
type queueBackend interface {
	queue.Queue
	server.DepthReporter
}

// App 应用上下文（依赖注入）
type App struct {
	config *config.Config
	log    *logger.Logger

	store  storage.Store
	jobs   storage.JobStore
	redis  *redis.Client
	queue  queueBackend
	locker lock.Locker
	cache  transcript.Cache

	lessons *lesson.Service
	workers *worker.Pool
	tts     *tts.Runner
	http    *http.Server
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("配置加载成功", "config", *configPath)

	app := &App{config: cfg, log: log}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.init(ctx); err != nil {
		app.close()
		log.Fatal("初始化失败", "error", err)
	}

	// 6. 启动 Worker
	app.workers.Start(ctx)

	// 7. 启动 HTTP 服务器
	go func() {
		log.Info("ReadRepeat 服务器启动", "addr", app.http.Addr,
			"workers", cfg.Transcriber.WorkerPoolSize,
			"queue", cfg.Queue.Type,
			"storage", cfg.Storage.Type,
		)
		if err := app.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("服务器启动失败", "error", err)
		}
	}()

	// 8. 优雅关闭
	<-ctx.Done()
	log.Info("正在关闭服务器...")
	app.shutdown()
	log.Info("服务器已关闭")
}

func (app *App) init(ctx context.Context) error {
	cfg := app.config
	files := storage.FileLayout{DataDir: cfg.Server.DataDir}
	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	// 2. 存储、锁与缓存
	if err := app.initStorage(ctx); err != nil {
		return err
	}

	// 3. 初始化队列（根据配置选择类型）
	switch cfg.Queue.Type {
	case "rabbitmq":
		rq, err := queue.NewRabbitMQQueue(cfg.Queue.RabbitMQ, app.log)
		if err != nil {
			return fmt.Errorf("初始化 RabbitMQ 失败: %w", err)
		}
		app.queue = rq
	default:
		app.queue = queue.NewMemoryQueue(cfg.Queue.BufferSize)
	}
	app.log.Info("队列初始化成功", "type", cfg.Queue.Type)

	// 4. 课程服务与搜索索引
	index := search.NewIndex(app.log)
	if err := index.Rebuild(ctx, app.store); err != nil {
		return fmt.Errorf("重建搜索索引失败: %w", err)
	}

	opts := []lesson.Option{lesson.WithTranscriptCache(app.cache)}
	if cfg.Tagger.Enabled {
		opts = append(opts, lesson.WithTagger(tagger.New(cfg.OpenAI, cfg.Tagger.Model)))
	}
	app.lessons = lesson.NewService(app.store, app.queue, index, files, cfg.Lessons, app.log, opts...)

	// 5. 转录与处理流水线
	tool := audio.NewTool(cfg.Audio.FFmpegPath, cfg.Audio.FFprobe)
	var tr transcriber.Transcriber = transcriber.Nop{}
	if cfg.Transcriber.Provider == "openai" {
		whisper := transcriber.NewWhisperClient(cfg.OpenAI, cfg.Transcriber.MaxRetries, app.log)
		tr = transcriber.NewEngine(whisper, tool, cfg.Transcriber.WorkerPoolSize, app.log)
	}
	var audioTool pipeline.AudioTool
	if cfg.Audio.Normalize || cfg.Audio.SliceClips {
		audioTool = tool
	}
	processor := pipeline.NewProcessor(app.lessons, tr, aligner.New(), app.cache, audioTool, files, pipeline.Options{
		Timeout:    cfg.Transcriber.Timeout(),
		Normalize:  cfg.Audio.Normalize,
		SliceClips: cfg.Audio.SliceClips,
	}, app.log)
	app.workers = worker.NewPool(app.queue, processor, cfg.Transcriber.WorkerPoolSize, app.log)

	// 语音合成
	var providers []tts.Provider
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.BaseURL != "" {
		providers = append(providers, tts.NewOpenAIProvider(cfg.OpenAI))
	}
	app.tts = tts.NewRunner(app.lessons, app.jobs, app.locker, tts.Options{
		OutputDir: cfg.TTS.OutputDir,
		LockTTL:   cfg.TTS.LockTTL(),
		Reprocess: cfg.TTS.ReprocessAfterGenerate,
	}, app.log, providers...)

	srv := server.New(app.lessons, recording.NewTracker(app.store, files, app.log), app.tts, files, app.queue, cfg.Server.MaxUploadSize, app.log)
	app.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initStorage 课程数据存 PostgreSQL 或内存；配置了 Redis 时锁、转录缓存、合成任务放到 Redis
func (app *App) initStorage(ctx context.Context) error {
	cfg := app.config

	switch cfg.Storage.Type {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("连接 PostgreSQL 失败: %w", err)
		}
		app.store = pg
	default:
		app.store = storage.NewMemoryStore()
	}
	app.log.Info("存储初始化成功", "type", cfg.Storage.Type)

	if cfg.Storage.Redis.Addr == "" {
		app.jobs = storage.NewMemoryJobStore()
		app.locker = lock.NewMemoryLocker()
		app.cache = transcript.NewMemoryCache()
		app.log.Warn("未配置 Redis，锁与缓存仅在本进程内有效")
		return nil
	}

	app.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("连接 Redis 失败: %w", err)
	}

	ttl := cfg.Storage.Redis.TranscriptTTL()
	app.jobs = storage.NewRedisJobStore(app.redis, ttl)
	app.locker = lock.NewRedisLocker(app.redis, "readrepeat:lock:")
	app.cache = transcript.NewRedisCache(app.redis, ttl)
	app.log.Info("Redis 连接成功", "addr", cfg.Storage.Redis.Addr)
	return nil
}

// shutdown 先停止接收请求，再停 Worker 和合成任务，最后关闭连接
func (app *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.http.Shutdown(ctx); err != nil {
		app.log.Warn("HTTP 服务关闭超时", "error", err)
	}
	app.workers.Stop()
	if err := app.tts.Shutdown(ctx); err != nil {
		app.log.Warn("合成任务未能按时结束", "error", err)
	}
	app.close()
}

func (app *App) close() {
	if app.queue != nil {
		app.queue.Close()
	}
	if app.jobs != nil {
		app.jobs.Close()
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.log.Warn("关闭存储失败", "error", err)
		}
	}
	if app.redis != nil {
		app.redis.Close()
	}
}
