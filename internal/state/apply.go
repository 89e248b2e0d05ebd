package state

import (
	"fmt"
	"strings"

	"tta-server/shared/models"
)

// Apply сливает патч роли в состояние по правилам полей и добавляет одну запись в turn_log.
// Патч проверяется целиком до изменений: при ошибке состояние не меняется.
func (s *State) Apply(author models.RoleID, p Patch) error {
	if !author.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownRole, author)
	}
	overrides, err := s.checkCharacters(author, p.Characters)
	if err != nil {
		return err
	}
	calls := make([]ToolCall, 0, len(p.ToolCalls))
	for _, tc := range p.ToolCalls {
		if strings.TrimSpace(tc.Tool) == "" {
			return fmt.Errorf("%w: tool call without tool name", models.ErrInvalidPatch)
		}
		args, err := NormalizeArgs(tc.Args)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidPatch, err)
		}
		if tc.Role == "" {
			tc.Role = author
		}
		tc.Args = args
		calls = append(calls, tc)
	}

	// Дальше ошибок нет, только изменения.
	if p.Intent != nil {
		s.Intent = p.Intent.Clone()
	}
	if p.World != nil {
		s.applyWorld(*p.World)
	}
	for _, id := range sortedKeys(p.Characters) {
		s.applyCharacter(id, p.Characters[id])
	}
	if p.Guidelines != nil {
		s.Guidelines = cloneStrings(p.Guidelines)
	}
	for _, m := range p.MemoryRefs {
		m.NodeIDs = cloneStrings(m.NodeIDs)
		s.MemoryRefs = append(s.MemoryRefs, m)
	}
	s.PendingToolCalls = append(s.PendingToolCalls, calls...)
	s.ToolResults = append(s.ToolResults, p.ToolResults...)
	if p.NarrativeOutput != nil {
		s.NarrativeOutput = *p.NarrativeOutput
	}

	entry := TurnLogEntry{
		Turn:  s.Turn,
		Seq:   s.turnEntries() + 1,
		Role:  author,
		Input: s.RawInput,
		Shape: append(p.Shape(), overrides...),
		At:    now(),
	}
	if p.NarrativeOutput != nil {
		entry.Output = *p.NarrativeOutput
	}
	s.TurnLog = append(s.TurnLog, entry)
	s.UpdatedAt = entry.At
	return nil
}

// checkCharacters validates character patches and detects cross-role writes within the turn.
func (s *State) checkCharacters(author models.RoleID, patches map[string]CharacterPatch) ([]string, error) {
	if len(patches) == 0 {
		return nil, nil
	}
	writers := s.turnWriters()
	var overrides []string
	for _, id := range sortedKeys(patches) {
		cp := patches[id]
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: empty character id", models.ErrInvalidPatch)
		}
		rec, exists := s.Characters[id]
		switch {
		case exists && rec.Deleted:
			return nil, fmt.Errorf("%w: %s", models.ErrCharacterTombstoned, id)
		case !exists && author != models.RoleCharacterCreator:
			return nil, fmt.Errorf("%w: %s by %s", models.ErrCharacterCreation, id, author)
		case !exists && (cp.Name == nil || strings.TrimSpace(*cp.Name) == ""):
			return nil, fmt.Errorf("%w: new character %s requires a name", models.ErrInvalidPatch, id)
		case !exists && cp.Delete:
			return nil, fmt.Errorf("%w: cannot delete unknown character %s", models.ErrInvalidPatch, id)
		}

		var touched []string
		if cp.Delete {
			// удаление конфликтует с любой записью этого персонажа другой ролью
			prefix := fmt.Sprintf("character_records[%s].", id)
			for key := range writers {
				if strings.HasPrefix(key, prefix) {
					touched = append(touched, key)
				}
			}
		}
		for _, f := range cp.fields() {
			touched = append(touched, characterShape(id, f))
		}
		for _, key := range touched {
			prev, ok := writers[key]
			if !ok || prev == author {
				continue
			}
			if s.ConflictPolicy() == RejectConflicts {
				return nil, fmt.Errorf("%w: %s written by %s, then %s", models.ErrPatchConflict, key, prev, author)
			}
			overrides = append(overrides, "override:"+key+"<-"+string(prev))
		}
	}
	return overrides, nil
}

// turnWriters maps character field shapes written in the current turn to the last role writing them.
func (s *State) turnWriters() map[string]models.RoleID {
	writers := map[string]models.RoleID{}
	for i := len(s.TurnLog) - 1; i >= 0 && s.TurnLog[i].Turn == s.Turn; i-- {
		e := s.TurnLog[i]
		for _, key := range e.Shape {
			if !strings.HasPrefix(key, "character_records[") {
				continue
			}
			if _, seen := writers[key]; !seen {
				writers[key] = e.Role
			}
		}
	}
	return writers
}

func (s *State) turnEntries() int {
	n := 0
	for i := len(s.TurnLog) - 1; i >= 0 && s.TurnLog[i].Turn == s.Turn; i-- {
		n++
	}
	return n
}

func (s *State) applyWorld(w WorldPatch) {
	if w.LocationID != nil {
		s.World.LocationID = *w.LocationID
	}
	if w.LocationName != nil {
		s.World.LocationName = *w.LocationName
	}
	if w.UniverseID != nil {
		s.World.UniverseID = *w.UniverseID
	}
	if w.CharactersPresent != nil {
		s.World.CharactersPresent = cloneStrings(w.CharactersPresent)
	}
	if w.Inventory != nil {
		s.World.Inventory = cloneStrings(w.Inventory)
	}
	if len(w.Params) > 0 && s.World.Params == nil {
		s.World.Params = map[string]string{}
	}
	for k, v := range w.Params {
		if v == "" {
			delete(s.World.Params, k)
			continue
		}
		s.World.Params[k] = v
	}
}

func (s *State) applyCharacter(id string, cp CharacterPatch) {
	if s.Characters == nil {
		s.Characters = map[string]CharacterRecord{}
	}
	rec, exists := s.Characters[id]
	if !exists {
		rec = CharacterRecord{
			ID:            id,
			Relationships: map[string]float64{},
			Attributes:    map[string]string{},
			CreatedTurn:   s.Turn,
		}
	}
	if cp.Name != nil {
		rec.Name = *cp.Name
	}
	if cp.LocationID != nil {
		rec.LocationID = *cp.LocationID
	}
	if cp.Condition != nil {
		rec.Condition = *cp.Condition
	}
	if cp.Disposition != nil {
		rec.Disposition = *cp.Disposition
	}
	if len(cp.Relationships) > 0 && rec.Relationships == nil {
		rec.Relationships = map[string]float64{}
	}
	for k, v := range cp.Relationships {
		rec.Relationships[k] = v
	}
	if len(cp.Attributes) > 0 && rec.Attributes == nil {
		rec.Attributes = map[string]string{}
	}
	for k, v := range cp.Attributes {
		rec.Attributes[k] = v
	}
	if cp.Delete {
		rec.Deleted = true
	}
	rec.UpdatedTurn = s.Turn
	s.Characters[id] = rec
}
