package persistence

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var _ driver.Valuer = &datatypes.JSON{}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("missing dsn")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(&types.SessionEvent{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) StoreSessionEvents(events []*types.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	return p.db.Create(&events).Error
}

func (p *GormPersist) GetSessionEvents(meetingId string, fromTs, toTs time.Time) ([]*types.SessionEvent, error) {
	events := make([]*types.SessionEvent, 0)
	err := p.db.Where("meeting_id = ? AND created BETWEEN ? AND ?", meetingId, fromTs.In(time.UTC), toTs.In(time.UTC)).Order("created ASC").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (p *GormPersist) GetMeetingIds() ([]string, error) {
	ids := make([]string, 0)
	err := p.db.Model(&types.SessionEvent{}).Distinct("meeting_id").Order("meeting_id").Pluck("meeting_id", &ids).Error
	return ids, err
}

func (p *GormPersist) PruneSessionEvents(before time.Time) (int, error) {
	res := p.db.Where("created < ?", before.In(time.UTC)).Delete(&types.SessionEvent{})
	return int(res.RowsAffected), res.Error
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
