package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"perforay/internal/model"
)

// Postgres 扫描结果持久化
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the result tables
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Name() string { return "postgres" }

// Migrate 自动迁移
func (p *Postgres) Migrate(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(&model.ScanRecord{}, &model.PageRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Create stores the result and its pages in one transaction
func (p *Postgres) Create(ctx context.Context, result *model.ScanResult) error {
	rec := model.NewScanRecord(HostOf(result.Target), result)
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// Get 获取扫描结果
func (p *Postgres) Get(ctx context.Context, id string) (*model.ScanResult, error) {
	var rec model.ScanRecord
	err := p.db.WithContext(ctx).
		Preload("Pages", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Result(), nil
}

// List 扫描结果列表, newest first and without pages
func (p *Postgres) List(ctx context.Context, host string, limit, offset int) ([]model.ScanRecord, int64, error) {
	query := p.db.WithContext(ctx).Model(&model.ScanRecord{})
	if host != "" {
		query = query.Where("host = ?", host)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []model.ScanRecord
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
