package hooking

// Scope tells what kind of code an observed operation belongs to.
type Scope uint8

// Scopes that an operation can run in.
const (
	ScopeFunction Scope = iota
	ScopeBackwardFunction
	ScopeScriptFunction
	ScopeUserScope
)

func (s Scope) String() string {
	switch s {
	case ScopeFunction:
		return "function"
	case ScopeBackwardFunction:
		return "backward_function"
	case ScopeScriptFunction:
		return "script_function"
	case ScopeUserScope:
		return "user_scope"
	default:
		return "unknown"
	}
}
