package server

import (
	"context"
	"fmt"
	"net/http"

	"voice-fusion/app/config"
	"voice-fusion/app/database"
	"voice-fusion/app/handler"
	"voice-fusion/app/logger"
	"voice-fusion/app/middleware"
	"voice-fusion/app/provider"
	"voice-fusion/app/service"
	"voice-fusion/app/storage"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	assets       *storage.Store
	relay        *storage.Relay
	clone        *provider.CloneClient
	effects      *provider.EffectsClient
	orchestrator *service.Orchestrator
	supervisor   *service.PollSupervisor
	status       *service.StatusAggregator
	nc           *nats.Conn
}

// New 创建一个新的 Server 实例并装配转换流水线
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	router := gin.Default()

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config: cfg,
		Logger: log,
	}

	backend, err := s.newBackend()
	if err != nil {
		return nil, err
	}
	s.assets = storage.NewStore(backend, cfg.Server.PublicBaseURL)
	s.relay = storage.NewRelay(s.assets, int64(cfg.Server.MaxUploadMB*4)<<20)

	s.clone = provider.NewCloneClient(cfg.Clone, log)
	s.effects = provider.NewEffectsClient(cfg.Effects, log)

	records := service.NewRecordStore(database.GetDB())
	s.orchestrator = service.NewOrchestrator(records, s.clone, s.effects, s.assets, s.relay, log, service.OptionsFromConfig(cfg))
	s.supervisor = service.NewPollSupervisor(s.orchestrator, records, log, cfg.Pipeline.PollIntervalDuration(), cfg.Pipeline.SweepSpec)
	s.status = service.NewStatusAggregator(records, s.orchestrator, log, cfg.Pipeline.StatusPollThrottleDuration())

	// 设置路由
	s.setupRoutes()

	return s, nil
}

// newBackend 按配置创建素材存储后端
func (s *Server) newBackend() (storage.Backend, error) {
	cfg := s.Config.Storage
	switch cfg.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("voice-fusion"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("连接 NATS 失败: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("创建 JetStream 上下文失败: %w", err)
		}
		backend, err := storage.NewNatsBackend(js, cfg.Bucket)
		if err != nil {
			nc.Close()
			return nil, err
		}
		s.nc = nc
		s.Logger.Infof("素材存储使用 NATS 对象存储: %s/%s", cfg.NatsURL, cfg.Bucket)
		return backend, nil
	default:
		backend, err := storage.NewLocalBackend(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("创建本地素材目录失败: %w", err)
		}
		s.Logger.Infof("素材存储使用本地目录: %s", cfg.LocalDir)
		return backend, nil
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	// 启动任务轮询，恢复上次退出时未完成的任务
	if err := s.supervisor.Start(); err != nil {
		return fmt.Errorf("启动任务轮询失败: %w", err)
	}

	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	// 先停止轮询再关闭依赖
	s.supervisor.Stop()

	if cerr := s.clone.Close(); cerr != nil {
		s.Logger.Warnf("关闭声音克隆客户端失败: %v", cerr)
	}
	if cerr := s.effects.Close(); cerr != nil {
		s.Logger.Warnf("关闭音效客户端失败: %v", cerr)
	}
	if cerr := s.relay.Close(); cerr != nil {
		s.Logger.Warnf("关闭转存客户端失败: %v", cerr)
	}
	if s.nc != nil {
		if cerr := s.nc.Drain(); cerr != nil {
			s.Logger.Warnf("关闭 NATS 连接失败: %v", cerr)
		}
	}

	// 关闭数据库连接
	if cerr := database.Close(); cerr != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", cerr)
	}
	return err
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	// 创建处理器实例
	conversionHandler := handler.NewConversionHandler(s.orchestrator, s.status, s.supervisor, s.Logger, s.Config.Server.MaxUploadMB)
	effectsHandler := handler.NewEffectsHandler()
	voiceModelHandler := handler.NewVoiceModelHandler(database.GetDB())
	assetHandler := handler.NewAssetHandler(s.assets)

	// 素材地址需要对服务商公开，不做鉴权
	s.gin.GET("/assets/*key", assetHandler.GetAsset)

	// API路由组
	api := s.gin.Group("/api")

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		// 转换任务
		conversions := protected.Group("/conversions")
		{
			conversions.POST("", conversionHandler.CreateConversion)
			conversions.GET("", conversionHandler.ListConversions)
			conversions.GET("/:id", conversionHandler.GetConversion)
		}

		// 音效目录与曲风预设
		fx := protected.Group("/effects")
		{
			fx.GET("", effectsHandler.GetCatalogue)
			fx.GET("/presets", effectsHandler.GetPreset)
		}

		protected.GET("/voice-models", voiceModelHandler.GetVoiceModels)
	}
}
