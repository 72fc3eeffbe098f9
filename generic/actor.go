package generic

// =============================================================================
// ACTOR - Typed authorization context
// =============================================================================

// Permission is a capability an Actor may hold. Components check the
// permission they need once, at their entry point.
type Permission string

const (
	PermSubmitOwn      Permission = "submit_own"
	PermSubmitAny      Permission = "submit_any"
	PermDecide         Permission = "decide"
	PermCancelAny      Permission = "cancel_any"
	PermAdjust         Permission = "adjust"
	PermAssign         Permission = "assign"
	PermProcessYearEnd Permission = "process_year_end"
	PermArchive        Permission = "archive"
)

// AllPermissions is granted to the system actor used by batch jobs.
var AllPermissions = []Permission{
	PermSubmitOwn, PermSubmitAny, PermDecide, PermCancelAny,
	PermAdjust, PermAssign, PermProcessYearEnd, PermArchive,
}

type Actor struct {
	ID          UserID
	Permissions map[Permission]bool
}

func NewActor(id UserID, perms ...Permission) Actor {
	a := Actor{ID: id, Permissions: make(map[Permission]bool, len(perms))}
	for _, p := range perms {
		a.Permissions[p] = true
	}
	return a
}

// SystemActor is the identity scheduled jobs run as.
func SystemActor() Actor {
	return NewActor("system", AllPermissions...)
}

func (a Actor) Can(p Permission) bool {
	return a.Permissions[p]
}

// Require returns a PermissionError unless the actor holds p.
func (a Actor) Require(p Permission) error {
	if a.ID == "" || !a.Can(p) {
		return &PermissionError{Actor: a.ID, Permission: p}
	}
	return nil
}
