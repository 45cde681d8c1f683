package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Analysis is one stored inspection of a hub repository. The newest row per
// repo has version v0; older rows are renumbered v1, v2, ... as they age.
type Analysis struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Repo         string         `gorm:"type:text;not null;uniqueIndex:idx_analyses_repo_version,priority:1"`
	Version      string         `gorm:"type:text;not null;uniqueIndex:idx_analyses_repo_version,priority:2"`
	File         string         `gorm:"type:text"`
	Kind         string         `gorm:"type:text"`
	ContainsCode bool           `gorm:"not null;default:false;index"`
	Private      bool           `gorm:"not null;default:false"`
	PayloadSHA   string         `gorm:"type:text"`
	LastModified *time.Time     `gorm:"type:timestamptz"`
	Record       datatypes.JSON `gorm:"type:jsonb"`
	ScannedAt    time.Time      `gorm:"type:timestamptz;not null;default:now()"`
}

// Scan tracks a requested scan from enqueue to completion.
type Scan struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Repo        string     `gorm:"type:text;not null;index"`
	Status      string     `gorm:"type:text;not null"`
	Error       string     `gorm:"type:text"`
	RequestedAt time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	FinishedAt  *time.Time `gorm:"type:timestamptz"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Analysis{}, &Scan{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Scan{}, &Analysis{})
}
