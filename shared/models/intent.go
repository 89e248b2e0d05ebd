package models

// IntentAction - действие игрока, распознанное из сырого ввода.
type IntentAction string

const (
	ActionLook      IntentAction = "look"
	ActionMove      IntentAction = "move"
	ActionExamine   IntentAction = "examine"
	ActionTalk      IntentAction = "talk"
	ActionTake      IntentAction = "take"
	ActionInventory IntentAction = "inventory"
	ActionHelp      IntentAction = "help"
	ActionQuit      IntentAction = "quit"
	ActionUnknown   IntentAction = "unknown"

	// ActionAny matches every action in a routing entry.
	ActionAny IntentAction = "*"
)

// AllActions returns every concrete intent action.
func AllActions() []IntentAction {
	return []IntentAction{
		ActionLook, ActionMove, ActionExamine, ActionTalk, ActionTake,
		ActionInventory, ActionHelp, ActionQuit, ActionUnknown,
	}
}

// Intent - структурированное намерение игрока за текущий ход.
type Intent struct {
	Action    IntentAction      `json:"action" validate:"required,oneof=look move examine talk take inventory help quit unknown"`
	Target    string            `json:"target" validate:"max=128"`
	Direction string            `json:"direction" validate:"omitempty,oneof=north south east west up down in out"`
	Extra     map[string]string `json:"extra"`
}

// Clone returns a deep copy of the intent.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	if i.Extra != nil {
		c.Extra = make(map[string]string, len(i.Extra))
		for k, v := range i.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}
