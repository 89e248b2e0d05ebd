package state

import (
	"encoding/json"
	"fmt"

	"tta-server/shared/models"
)

// checkpointFormat - версия формата контрольной точки.
const checkpointFormat = 1

type envelope struct {
	Format int    `json:"format"`
	State  *State `json:"state"`
}

// Encode сериализует полное состояние в запись контрольной точки.
func Encode(s *State) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil state", models.ErrInvalidInput)
	}
	data, err := json.Marshal(envelope{Format: checkpointFormat, State: s})
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// Decode восстанавливает состояние из записи контрольной точки.
// Политика конфликтов не сохраняется: это настройка процесса, ее выставляет вызывающий.
func Decode(data []byte) (*State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if env.Format != checkpointFormat {
		return nil, fmt.Errorf("%w: unsupported checkpoint format %d", models.ErrMalformedResponse, env.Format)
	}
	if env.State == nil {
		return nil, fmt.Errorf("%w: checkpoint without state", models.ErrMalformedResponse)
	}
	if !env.State.ActiveRole.Valid() {
		return nil, fmt.Errorf("%w: active role %q", models.ErrUnknownRole, env.State.ActiveRole)
	}
	env.State.policy = LastWriterWins
	return env.State, nil
}

// Snapshot builds the checkpoint record for the current turn.
func Snapshot(s *State) (models.Checkpoint, error) {
	data, err := Encode(s)
	if err != nil {
		return models.Checkpoint{}, err
	}
	return models.Checkpoint{SessionID: s.SessionID, Turn: s.Turn, State: data, CreatedAt: now()}, nil
}
