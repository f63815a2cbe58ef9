package model

// Actor identifies the caller of an engine operation. It is always passed
// explicitly; the engine never looks it up from ambient state.
type Actor struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Elevated bool   `json:"elevated"`
}

// SystemActor is used for actions the engine takes on its own, such as
// automatic rollback or notification expiry.
var SystemActor = Actor{ID: "system", Role: "system", Elevated: true}
