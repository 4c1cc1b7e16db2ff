package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"delta-copy-trader/internal/config"
	"delta-copy-trader/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const pingTimeout = 5 * time.Second

// Open connects to the datastore named by cfg.URL. Postgres URLs and key/value
// DSNs use the postgres driver; "sqlite://" and "file:" DSNs use sqlite.
func Open(cfg config.Database, logger *zap.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := AutoMigrate(db); err != nil {
			return nil, err
		}
	}

	logger.Info("Database connected", zap.String("dialect", dialector.Name()), zap.Bool("auto_migrate", cfg.AutoMigrate))
	return db, nil
}

// AutoMigrate creates or updates the tables the service reads and writes.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.BrokerAccount{}, &models.Follower{}, &models.CopyTrade{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

func dialectorFor(cfg config.Database) (gorm.Dialector, error) {
	dsn := strings.TrimSpace(cfg.URL)
	switch {
	case dsn == "":
		return nil, errors.New("database url is empty")
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return sqlite.Open(dsn), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		withKey, err := withServiceKey(dsn, cfg.ServiceKey)
		if err != nil {
			return nil, err
		}
		return postgres.Open(withKey), nil
	default:
		if cfg.ServiceKey != "" && !strings.Contains(dsn, "password=") {
			dsn += " password=" + cfg.ServiceKey
		}
		return postgres.Open(dsn), nil
	}
}

// withServiceKey places the service key in the URL's password slot unless the
// URL already carries one.
func withServiceKey(dsn, key string) (string, error) {
	if key == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	user := "postgres"
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			return dsn, nil
		}
		if name := u.User.Username(); name != "" {
			user = name
		}
	}
	u.User = url.UserPassword(user, key)
	return u.String(), nil
}
