package projection

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionStore persists the sequence number of the last event applied by
// each projection. 0 means no event has been applied yet. Positions never
// move backwards unless reset
type PositionStore interface {
	Get(ctx context.Context, projectionID string) (uint64, error)
	Save(ctx context.Context, projectionID string, position uint64) error
	Reset(ctx context.Context, projectionID string) error
}

// NewMemoryPositions constructs a volatile position store
func NewMemoryPositions() *MemoryPositions {
	return &MemoryPositions{
		positions: map[string]uint64{},
	}
}

// MemoryPositions is a mutex guarded, volatile PositionStore
type MemoryPositions struct {
	mu        sync.RWMutex
	positions map[string]uint64
}

func (m *MemoryPositions) Get(_ context.Context, projectionID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.positions[projectionID], nil
}

func (m *MemoryPositions) Save(_ context.Context, projectionID string, position uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if position > m.positions[projectionID] {
		m.positions[projectionID] = position
	}

	return nil
}

func (m *MemoryPositions) Reset(_ context.Context, projectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.positions, projectionID)

	return nil
}

type gormPosition struct {
	ProjectionID string `gorm:"primaryKey"`
	Position     uint64
	UpdatedAt    time.Time
}

// TableName returns gorm table name
func (gp *gormPosition) TableName() string { return "projection_positions" }

// NewGormPositions constructs a position store on top of a gorm database,
// usually the one of the event store the projections consume from
func NewGormPositions(db *gorm.DB) *GormPositions {
	return &GormPositions{db: db}
}

// GormPositions persists positions in the projection_positions table
type GormPositions struct {
	db *gorm.DB
}

// Setup creates (or migrates) the positions table
func (g *GormPositions) Setup(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(&gormPosition{})
}

func (g *GormPositions) Get(ctx context.Context, projectionID string) (uint64, error) {
	var rows []gormPosition

	if err := g.db.WithContext(ctx).
		Where("projection_id = ?", projectionID).
		Limit(1).
		Find(&rows).Error; err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		return 0, nil
	}

	return rows[0].Position, nil
}

func (g *GormPositions) Save(ctx context.Context, projectionID string, position uint64) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "projection_id"}},
		DoUpdates: clause.Set{
			{
				Column: clause.Column{Name: "position"},
				Value: gorm.Expr(
					"CASE WHEN projection_positions.position < excluded.position " +
						"THEN excluded.position ELSE projection_positions.position END",
				),
			},
			{
				Column: clause.Column{Name: "updated_at"},
				Value:  gorm.Expr("excluded.updated_at"),
			},
		},
	}).Create(&gormPosition{
		ProjectionID: projectionID,
		Position:     position,
		UpdatedAt:    time.Now().UTC(),
	}).Error
}

func (g *GormPositions) Reset(ctx context.Context, projectionID string) error {
	return g.db.WithContext(ctx).
		Where("projection_id = ?", projectionID).
		Delete(&gormPosition{}).Error
}
