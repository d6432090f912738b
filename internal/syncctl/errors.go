package syncctl

// Error is returned when the sync tool is missing or a subcommand fails.
type Error struct{ Message string }

func (e *Error) Error() string { return e.Message }
