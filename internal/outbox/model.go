package outbox

import (
	"hash/fnv"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Record is an append-only outbox row. Rows of one aggregate are relayed in Sequence order.
type Record struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	AggregateID   string         `gorm:"type:text;not null"`
	Sequence      int64          `gorm:"not null"`
	PartitionKey  int            `gorm:"not null"`
	EventType     string         `gorm:"type:text;not null"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null"`
	Dispatched    bool           `gorm:"not null;default:false"`
	DispatchedAt  *time.Time
	RetryCount    int       `gorm:"not null;default:0"`
	NextAttemptAt time.Time `gorm:"not null"`
	LastError     string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (Record) TableName() string { return "outbox_events" }

// PartitionFor maps an aggregate to a relay partition. All rows of one aggregate share a partition.
func PartitionFor(aggregateID string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(partitions))
}
