package logger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"voice-fusion/app/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogDir = "data/logs"
	logFileName   = "voice-fusion.log"
)

// Logger 包装 zap.Logger，日志级别可在运行时调整
type Logger struct {
	*zap.Logger
	sugar      *zap.SugaredLogger
	level      zap.AtomicLevel
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// New 使用给定配置创建新的日志记录器实例
func New(cfg config.LogConfig) *Logger {
	l := &Logger{level: zap.NewAtomicLevelAt(parseLevel(cfg.Level))}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleConfig := encoderConfig
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(consoleConfig)
	}

	var core zapcore.Core
	if cfg.Output == "file" {
		rotator := l.openRotator(cfg)
		fileCore := zapcore.NewCore(encoder, zapcore.AddSync(rotator), l.level)
		// 调试模式下同时输出到控制台
		if cfg.Level == "debug" {
			consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stdout), l.level)
			core = zapcore.NewTee(fileCore, consoleCore)
		} else {
			core = fileCore
		}
	} else {
		core = zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), l.level)
	}

	l.Logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	l.sugar = l.Logger.Sugar()
	return l
}

// openRotator 创建 lumberjack 文件输出，并启动每日零点切换任务
func (l *Logger) openRotator(cfg config.LogConfig) *lumberjack.Logger {
	dir := cfg.Dir
	if dir == "" {
		dir = defaultLogDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		panic("创建日志目录失败: " + err.Error())
	}

	// 文件名固定，旧文件由 lumberjack 加时间戳归档
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		LocalTime:  true,
		Compress:   cfg.Compress,
	}

	l.startRotation(rotator, untilMidnight)
	return rotator
}

// startRotation 按 next 给出的间隔调用 Rotate，Rotate 与写入共用 lumberjack 内部锁
func (l *Logger) startRotation(rotator *lumberjack.Logger, next func(time.Time) time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancelFunc = cancel
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			timer := time.NewTimer(next(time.Now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				// 此处不能写日志，避免与正在切换的文件互相等待
				_ = rotator.Rotate()
			}
		}
	}()
}

// untilMidnight 返回距下一个零点的时长，加 1 秒确保跨过零点
func untilMidnight(now time.Time) time.Duration {
	next := now.AddDate(0, 0, 1)
	next = time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, next.Location())
	return next.Sub(now) + time.Second
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel 运行时修改日志级别（配置热更新时调用）
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(parseLevel(level))
}

// Level 返回当前日志级别
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// Close 关闭 logger 并等待后台任务完成
func (l *Logger) Close() error {
	if l.cancelFunc != nil {
		l.cancelFunc()
		l.wg.Wait()
	}
	return l.Logger.Sync()
}

// Sugar 返回 SugaredLogger 实例
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// WithJob 返回携带任务ID字段的 logger
func (l *Logger) WithJob(jobID string) *zap.Logger {
	return l.Logger.With(zap.String("job_id", jobID))
}

func (l *Logger) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(template, args...)
}

func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

func (l *Logger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}

func (l *Logger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

func (l *Logger) Fatalf(template string, args ...interface{}) {
	l.sugar.Fatalf(template, args...)
}

// Sync 刷新缓冲区
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
