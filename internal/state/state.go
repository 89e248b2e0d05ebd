package state

import (
	"sort"
	"time"

	"tta-server/shared/models"
)

// Phase - фаза сессии в машине состояний оркестратора.
type Phase string

const (
	PhaseAwaitingInput Phase = "AWAITING_INPUT"
	PhaseRunning       Phase = "RUNNING"
	PhaseTerminated    Phase = "TERMINATED"
)

// ConflictPolicy решает, что делать, когда две роли за один ход пишут одно поле персонажа.
type ConflictPolicy string

const (
	LastWriterWins  ConflictPolicy = "last_writer_wins"
	RejectConflicts ConflictPolicy = "reject"
)

// WorldSnapshot - текущее положение дел в мире: локация, кто рядом, параметры.
type WorldSnapshot struct {
	LocationID        string            `json:"location_id"`
	LocationName      string            `json:"location_name"`
	UniverseID        string            `json:"universe_id"`
	CharactersPresent []string          `json:"characters_present"`
	Inventory         []string          `json:"inventory"`
	Params            map[string]string `json:"params"`
}

// CharacterRecord - запись о персонаже. Удаление логическое (Deleted), ключ не переиспользуется.
type CharacterRecord struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	LocationID    string             `json:"location_id"`
	Condition     string             `json:"condition"`
	Disposition   string             `json:"disposition"`
	Relationships map[string]float64 `json:"relationships"`
	Attributes    map[string]string  `json:"attributes"`
	Deleted       bool               `json:"deleted"`
	CreatedTurn   int64              `json:"created_turn"`
	UpdatedTurn   int64              `json:"updated_turn"`
}

// TurnLogEntry - краткая запись об одном Apply: кто, на каком вводе, какие поля затронуты.
type TurnLogEntry struct {
	Turn   int64         `json:"turn"`
	Seq    int           `json:"seq"`
	Role   models.RoleID `json:"role"`
	Input  string        `json:"input"`
	Shape  []string      `json:"shape"`
	Output string        `json:"output"`
	At     time.Time     `json:"at"`
}

// MemoryRef - ссылка на факт из хранилища, найденный в этом ходу.
type MemoryRef struct {
	Step    int           `json:"step"`
	Role    models.RoleID `json:"role"`
	Query   string        `json:"query"`
	NodeIDs []string      `json:"node_ids"`
	Summary string        `json:"summary"`
	OK      bool          `json:"ok"`
}

// ToolCall - запрос роли на вызов инструмента после применения ее патча.
type ToolCall struct {
	Role models.RoleID  `json:"role"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ToolResult - итог вызова инструмента, видимый последующим ролям.
type ToolResult struct {
	Role      models.RoleID `json:"role"`
	Tool      string        `json:"tool"`
	OK        bool          `json:"ok"`
	ErrorKind string        `json:"error_kind"`
	Message   string        `json:"message"`
	Text      string        `json:"text"`
}

// State - общее состояние одной сессии. Роли получают копию (Clone) и возвращают Patch.
type State struct {
	SessionID string    `json:"session_id"`
	PlayerID  string    `json:"player_id"`
	Turn      int64     `json:"turn"`
	Phase     Phase     `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ActiveRole       models.RoleID              `json:"active_role"`
	RawInput         string                     `json:"raw_input"`
	Intent           *models.Intent             `json:"structured_intent"`
	World            WorldSnapshot              `json:"world_snapshot"`
	Characters       map[string]CharacterRecord `json:"character_records"`
	TurnLog          []TurnLogEntry             `json:"turn_log"`
	Guidelines       []string                   `json:"active_guidelines"`
	MemoryRefs       []MemoryRef                `json:"memory_refs"`
	PendingToolCalls []ToolCall                 `json:"pending_tool_calls"`
	ToolResults      []ToolResult               `json:"tool_results"`
	NarrativeOutput  string                     `json:"narrative_output"`

	policy ConflictPolicy
}

// now returns the container clock, truncated so checkpoints round-trip exactly.
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// New создает пустое состояние сессии. Активная роль - обработчик ввода, фаза - ожидание ввода.
func New(sessionID, playerID string, policy ConflictPolicy) *State {
	ts := now()
	return &State{
		SessionID:  sessionID,
		PlayerID:   playerID,
		Phase:      PhaseAwaitingInput,
		CreatedAt:  ts,
		UpdatedAt:  ts,
		ActiveRole: models.RoleInputProcessor,
		World:      WorldSnapshot{Params: map[string]string{}},
		Characters: map[string]CharacterRecord{},
		policy:     normalizePolicy(policy),
	}
}

func normalizePolicy(p ConflictPolicy) ConflictPolicy {
	if p == RejectConflicts {
		return p
	}
	return LastWriterWins
}

// SetConflictPolicy is used after Decode, since the policy is process configuration.
func (s *State) SetConflictPolicy(p ConflictPolicy) {
	s.policy = normalizePolicy(p)
}

// ConflictPolicy returns the policy Apply enforces.
func (s *State) ConflictPolicy() ConflictPolicy {
	return normalizePolicy(s.policy)
}

// Character resolves a record by id, tombstoned records included.
func (s *State) Character(id string) (CharacterRecord, bool) {
	rec, ok := s.Characters[id]
	if !ok {
		return CharacterRecord{}, false
	}
	return rec.clone(), true
}

// LiveCharacterIDs returns ids of records that are not tombstoned, sorted.
func (s *State) LiveCharacterIDs() []string {
	ids := make([]string, 0, len(s.Characters))
	for id, rec := range s.Characters {
		if !rec.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Action returns the current intent action, or unknown when no intent was produced.
func (s *State) Action() models.IntentAction {
	if s.Intent == nil || s.Intent.Action == "" {
		return models.ActionUnknown
	}
	return s.Intent.Action
}

// FailedToolResults returns results of this turn with ok=false.
func (s *State) FailedToolResults() []ToolResult {
	var failed []ToolResult
	for _, r := range s.ToolResults {
		if !r.OK {
			failed = append(failed, r)
		}
	}
	return failed
}

// BeginTurn начинает новый ход: увеличивает номер и очищает поля, живущие один ход.
func (s *State) BeginTurn(input string) {
	s.Turn++
	s.RawInput = input
	s.Intent = nil
	s.MemoryRefs = nil
	s.PendingToolCalls = nil
	s.ToolResults = nil
	s.NarrativeOutput = ""
	s.Phase = PhaseRunning
	s.UpdatedAt = now()
}

// SetActiveRole передает управление роли. Вызывается только оркестратором.
func (s *State) SetActiveRole(role models.RoleID) error {
	if !role.Valid() {
		return models.ErrUnknownRole
	}
	s.ActiveRole = role
	return nil
}

// SetPhase переключает фазу сессии. Вызывается только оркестратором.
func (s *State) SetPhase(p Phase) {
	s.Phase = p
	s.UpdatedAt = now()
}

// DrainToolCalls забирает очередь запросов инструментов и очищает ее.
func (s *State) DrainToolCalls() []ToolCall {
	calls := s.PendingToolCalls
	s.PendingToolCalls = nil
	return calls
}

// Clone returns a deep copy; nil and empty collections are preserved as-is.
func (s *State) Clone() *State {
	c := *s
	c.Intent = s.Intent.Clone()
	c.World = s.World.clone()
	if s.Characters != nil {
		c.Characters = make(map[string]CharacterRecord, len(s.Characters))
		for id, rec := range s.Characters {
			c.Characters[id] = rec.clone()
		}
	}
	if s.TurnLog != nil {
		c.TurnLog = make([]TurnLogEntry, len(s.TurnLog))
		for i, e := range s.TurnLog {
			e.Shape = cloneStrings(e.Shape)
			c.TurnLog[i] = e
		}
	}
	c.Guidelines = cloneStrings(s.Guidelines)
	if s.MemoryRefs != nil {
		c.MemoryRefs = make([]MemoryRef, len(s.MemoryRefs))
		for i, m := range s.MemoryRefs {
			m.NodeIDs = cloneStrings(m.NodeIDs)
			c.MemoryRefs[i] = m
		}
	}
	if s.PendingToolCalls != nil {
		c.PendingToolCalls = make([]ToolCall, len(s.PendingToolCalls))
		for i, tc := range s.PendingToolCalls {
			tc.Args = cloneArgs(tc.Args)
			c.PendingToolCalls[i] = tc
		}
	}
	if s.ToolResults != nil {
		c.ToolResults = append([]ToolResult(nil), s.ToolResults...)
	}
	return &c
}

func (w WorldSnapshot) clone() WorldSnapshot {
	c := w
	c.CharactersPresent = cloneStrings(w.CharactersPresent)
	c.Inventory = cloneStrings(w.Inventory)
	if w.Params != nil {
		c.Params = make(map[string]string, len(w.Params))
		for k, v := range w.Params {
			c.Params[k] = v
		}
	}
	return c
}

func (r CharacterRecord) clone() CharacterRecord {
	c := r
	if r.Relationships != nil {
		c.Relationships = make(map[string]float64, len(r.Relationships))
		for k, v := range r.Relationships {
			c.Relationships[k] = v
		}
	}
	if r.Attributes != nil {
		c.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
