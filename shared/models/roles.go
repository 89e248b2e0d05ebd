package models

// RoleID идентифицирует роль, обрабатывающую часть хода.
// Набор закрыт: маршрутизация выбирает роль по значению.
type RoleID string

// Определяем константы для ролей
const (
	RoleInputProcessor     RoleID = "input_processor"
	RoleWorldBuilder       RoleID = "world_builder"
	RoleCharacterCreator   RoleID = "character_creator"
	RoleLoreKeeper         RoleID = "lore_keeper" // consistency / fact-check
	RoleNarrativeGenerator RoleID = "narrative_generator"
	RoleClarifier          RoleID = "clarifier"
	RoleOnboarding         RoleID = "onboarding"
)

// Маркеры маршрутизации. Это не роли: active_role никогда их не принимает.
const (
	RouteRespond   RoleID = "respond"   // отдать ответ игроку и ждать ввода
	RouteTerminate RoleID = "terminate" // завершить сессию
)

// AllRoles возвращает слайс всех определенных ролей.
func AllRoles() []RoleID {
	return []RoleID{
		RoleInputProcessor,
		RoleWorldBuilder,
		RoleCharacterCreator,
		RoleLoreKeeper,
		RoleNarrativeGenerator,
		RoleClarifier,
		RoleOnboarding,
	}
}

// Valid reports whether r belongs to the closed role set.
func (r RoleID) Valid() bool {
	for _, role := range AllRoles() {
		if role == r {
			return true
		}
	}
	return false
}

// IsMarker reports whether r is a routing marker rather than a role.
func (r RoleID) IsMarker() bool {
	return r == RouteRespond || r == RouteTerminate
}

// GeneratesContent reports whether the role produces new world or narrative content.
// Unknown intents must never be routed to such a role.
func (r RoleID) GeneratesContent() bool {
	switch r {
	case RoleWorldBuilder, RoleCharacterCreator, RoleNarrativeGenerator:
		return true
	}
	return false
}
