package results

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"bhakti/pkg/inspect"
)

type analysisModel struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Repo         string         `gorm:"type:text;not null"`
	Version      string         `gorm:"type:text;not null"`
	File         string         `gorm:"type:text"`
	Kind         string         `gorm:"type:text"`
	ContainsCode bool           `gorm:"not null"`
	Private      bool           `gorm:"not null"`
	PayloadSHA   string         `gorm:"type:text"`
	LastModified *time.Time     `gorm:"type:timestamptz"`
	Record       datatypes.JSON `gorm:"type:jsonb"`
	ScannedAt    time.Time      `gorm:"type:timestamptz;not null"`
}

func (analysisModel) TableName() string { return "analyses" }

func modelFromEntry(e Entry) (analysisModel, error) {
	m := analysisModel{
		ID:           uuid.New(),
		Repo:         e.Repo,
		Version:      LatestVersion,
		File:         e.File,
		Private:      e.Private,
		LastModified: e.LastModified,
		ScannedAt:    e.ScannedAt,
	}
	if e.Record != nil {
		raw, err := json.Marshal(e.Record)
		if err != nil {
			return analysisModel{}, err
		}
		m.Record = datatypes.JSON(raw)
		m.Kind = string(e.Record.Type)
		m.ContainsCode = e.Record.ContainsCode
		m.PayloadSHA = e.Record.PayloadSHA256
	}
	return m, nil
}

func (m analysisModel) toEntry() (Entry, error) {
	e := Entry{
		Repo:         m.Repo,
		Version:      m.Version,
		File:         m.File,
		Private:      m.Private,
		LastModified: m.LastModified,
		ScannedAt:    m.ScannedAt,
	}
	if len(m.Record) > 0 {
		var rec inspect.Record
		if err := json.Unmarshal(m.Record, &rec); err != nil {
			return Entry{}, err
		}
		e.Record = &rec
	}
	return e, nil
}
