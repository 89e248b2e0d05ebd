package models

import "time"

// Checkpoint - сериализованный снимок общего состояния сессии после завершенного хода.
// Ключ: (SessionID, Turn). Загрузка сессии берет запись с максимальным Turn.
type Checkpoint struct {
	SessionID string    `json:"session_id" db:"session_id"`
	Turn      int64     `json:"turn" db:"turn"`
	State     []byte    `json:"state" db:"state"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TurnOutcomeKind описывает итог хода для событий и метрик.
type TurnOutcomeKind string

const (
	TurnCompleted  TurnOutcomeKind = "completed"
	TurnTerminated TurnOutcomeKind = "terminated"
	TurnFailed     TurnOutcomeKind = "failed"
	TurnCancelled  TurnOutcomeKind = "cancelled"
)

// TurnEvent публикуется в очередь после каждого хода.
type TurnEvent struct {
	SessionID  string          `json:"session_id"`
	PlayerID   string          `json:"player_id,omitempty"`
	Turn       int64           `json:"turn"`
	Roles      []RoleID        `json:"roles"`
	Outcome    TurnOutcomeKind `json:"outcome"`
	Narrative  string          `json:"narrative"`
	Unsynced   bool            `json:"unsynced"`
	OccurredAt time.Time       `json:"occurred_at"`
}
