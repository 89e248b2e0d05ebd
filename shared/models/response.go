package models

// ErrorResponse - стандартная структура для ответа об ошибке в формате JSON.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TurnRequest - тело запроса на выполнение хода.
type TurnRequest struct {
	Input string `json:"input" binding:"required,max=1024"`
}

// TurnResponse - ответ игроку за один ход.
type TurnResponse struct {
	SessionID  string `json:"session_id"`
	Turn       int64  `json:"turn"`
	Narrative  string `json:"narrative"`
	Terminated bool   `json:"terminated"`
	Unsynced   bool   `json:"unsynced,omitempty"`
}

// SessionResponse - краткое состояние сессии.
type SessionResponse struct {
	SessionID  string   `json:"session_id"`
	Turn       int64    `json:"turn"`
	Phase      string   `json:"phase"`
	ActiveRole RoleID   `json:"active_role"`
	Location   string   `json:"location"`
	Guidelines []string `json:"guidelines"`
	Narrative  string   `json:"narrative"`
}
