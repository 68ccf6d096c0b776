package database

import (
	"fmt"
	"log/slog"
	"time"

	"cardledger/internal/config"
	"cardledger/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Open 按配置的驱动建立连接并迁移表结构
func Open(cfg *config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	var (
		dialector gorm.Dialector
		maxOpen   int
		maxIdle   int
	)
	switch cfg.Driver {
	case DriverMySQL, "":
		dialector = mysql.Open(cfg.MySQL.DSN())
		maxOpen, maxIdle = cfg.MySQL.MaxOpenConns, cfg.MySQL.MaxIdleConns
	case DriverPostgres:
		dialector = postgres.Open(cfg.Postgres.DSN)
		maxOpen, maxIdle = cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("数据库连接成功", "driver", db.Dialector.Name())
	return db, nil
}

// Migrate 自动迁移表结构
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.User{},
		&model.AccountFlow{},
		&model.VirtualCard{},
		&model.OperationLog{},
		&model.CardTransaction{},
		&model.OutboxMessage{},
	)
	if err != nil {
		return fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return nil
}
