package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ashwinyue/stockqa/internal/config"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/ashwinyue/stockqa/internal/model"
)

const (
	defaultSlowQuery = 200 * time.Millisecond
	pingTimeout      = 5 * time.Second
)

// DB 数据库封装
type DB struct {
	*gorm.DB
}

// New 创建数据库连接，SQL 日志写入 zap
// migrate 为 true 时执行 AutoMigrate
func New(cfg *config.Config, l *zap.Logger, migrate bool) (*DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.GetDSN()), &gorm.Config{
		Logger: NewGormLogger(l, cfg.App.Debug, time.Duration(cfg.Database.SlowQueryMs)*time.Millisecond),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if migrate {
		if err := Migrate(db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to auto migrate: %w", err)
		}
	}

	return &DB{DB: db}, nil
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 检查数据库连接
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate 自动迁移全部表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(model.AllModels...)
}

// ========== GORM 日志适配 ==========

// NewGormLogger 把 GORM 日志转到 zap
// debug 时输出全部 SQL，否则只输出慢查询和错误；记录不存在不算错误
func NewGormLogger(l *zap.Logger, debug bool, slow time.Duration) gormlogger.Interface {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return gormlogger.New(zapWriter{l: logger.OrNop(l).Named("gorm").Sugar()}, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

type zapWriter struct {
	l *zap.SugaredLogger
}

// Printf 实现 gormlogger.Writer，GORM 的多行格式压成一行
// 慢查询和出错的 SQL 以 "%s %s\n" 开头
func (w zapWriter) Printf(format string, args ...any) {
	msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " ")
	switch {
	case strings.Contains(format, "[error]"), strings.Contains(format, "[warn]"), strings.HasPrefix(format, "%s %s\n"):
		w.l.Warn(msg)
	case strings.Contains(format, "[info]"):
		w.l.Info(msg)
	default:
		w.l.Debug(msg)
	}
}
