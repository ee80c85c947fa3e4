package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/TyrellHaywood/echo-sub001/config"
	"github.com/TyrellHaywood/echo-sub001/model"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB is the raw database handle, used by repositories that run hand-written
// SQL (profile lookup).
var DB *sql.DB

// GormDB 是 GORM 数据库连接实例，用于轨道与聊天的持久化
var GormDB *gorm.DB

// ConnectDB establishes the raw database/sql connection.
func ConnectDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// ConnectGormDB 建立 GORM 数据库连接
func ConnectGormDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	GormDB, err = gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database with GORM: %w", err)
	}

	sqlDB, err := GormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// 设置连接池参数
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return nil
}

// AutoMigrate creates or updates the durable tables backing hydration.
func AutoMigrate() error {
	if GormDB == nil {
		return fmt.Errorf("GORM connection not initialized")
	}
	return GormDB.AutoMigrate(&model.TrackRecord{}, &model.ChatMessage{})
}

// CloseDB closes both database handles.
func CloseDB() error {
	if DB != nil {
		if err := DB.Close(); err != nil {
			return err
		}
	}
	if GormDB != nil {
		sqlDB, err := GormDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
