package models

import "errors"

// Application-wide standard errors
var (
	// Common Resource/DB Errors
	ErrNotFound             = errors.New("resource not found") // General not found
	ErrStoreUnavailable     = errors.New("knowledge store unavailable")
	ErrStoreTimeout         = errors.New("knowledge store statement timed out")
	ErrUnparameterizedQuery = errors.New("query template must use bound parameters")
	ErrMalformedResponse    = errors.New("malformed store response")

	// Authentication Errors
	ErrUnauthorized   = errors.New("unauthorized") // Authentication required or failed
	ErrForbidden      = errors.New("forbidden")    // Authenticated, but not the session owner
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token has expired")

	// Tool Registry Errors
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrUnknownTool      = errors.New("tool not registered")
	ErrRegistrySealed   = errors.New("tool registry is sealed")
	ErrSchemaValidation = errors.New("tool arguments failed schema validation")
	ErrUnauthorizedTool = errors.New("role is not allowed to invoke tool")
	ErrToolExecution    = errors.New("tool execution failed")

	// Shared State Errors
	ErrUnknownRole         = errors.New("unknown role identifier")
	ErrCharacterTombstoned = errors.New("character record is tombstoned")
	ErrCharacterCreation   = errors.New("only the character-management role may create character records")
	ErrPatchConflict       = errors.New("conflicting character patch within one turn")
	ErrInvalidPatch        = errors.New("invalid state patch")

	// Retrieval Errors
	ErrRetrievalBudgetExceeded = errors.New("retrieval loop budget exceeded for this turn")
	ErrRetrievalFailed         = errors.New("retrieval loop failed")

	// Orchestration Errors
	ErrOrchestrationLoop = errors.New("orchestration step cap exceeded")
	ErrPersistence       = errors.New("checkpoint write failed")
	ErrSessionTerminated = errors.New("session is terminated")
	ErrSessionBusy       = errors.New("session is locked by another turn")
	ErrRoutingTable      = errors.New("invalid routing table")
	ErrRoleFailed        = errors.New("role failed to handle turn")

	// Model Provider Errors
	ErrAIGenerationFailed = errors.New("AI generation failed")

	// General Request/Server Errors
	ErrInternalServer = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrInvalidInput   = errors.New("invalid input data")
)
