package model

// Organization is identity-only for the broker's purposes: the core only
// ever asks "does this id exist?" (spec.md §3).
type Organization struct {
	ID string
}
