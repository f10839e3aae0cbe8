package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// Freshness summarizes a row set for list ETags: any insert, delete or
// update changes it.
type Freshness struct {
	Count   int64
	Updated time.Time // newest updated_at; zero for an empty set
}

// Nanos returns Updated in Unix nanoseconds, 0 for an empty set.
func (f Freshness) Nanos() int64 {
	if f.Count == 0 {
		return 0
	}
	return f.Updated.UnixNano()
}

// ThreadsFreshness covers the threads owned by ownerID.
func ThreadsFreshness(ctx context.Context, db *gorm.DB, ownerID string) (Freshness, error) {
	return freshness(db.WithContext(ctx).Model(&domain.Thread{}).Where("owner_id = ?", ownerID))
}

// MessagesFreshness covers every message of threadID across all dialog
// versions, so streaming flushes and truncations both change it.
func MessagesFreshness(ctx context.Context, db *gorm.DB, threadID string) (Freshness, error) {
	return freshness(db.WithContext(ctx).Model(&domain.Message{}).Where("thread_id = ?", threadID))
}

func freshness(scope *gorm.DB) (Freshness, error) {
	var f Freshness
	if err := scope.Session(&gorm.Session{}).Count(&f.Count).Error; err != nil || f.Count == 0 {
		return Freshness{}, err
	}
	// Ordering instead of MAX(): SQLite returns MAX over DATETIME as TEXT.
	var row struct{ UpdatedAt time.Time }
	if err := scope.Session(&gorm.Session{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return Freshness{}, err
	}
	f.Updated = row.UpdatedAt
	return f, nil
}
