package rbac

type Role string
type Action string

const (
	RoleLearner    Role = "learner"
	RoleInstructor Role = "instructor"
	RoleSiteAdmin  Role = "siteadmin"
	RoleAdmin      Role = "admin"
)

const (
	// ActionViewProgress covers reading one's own progress and completed
	// items; instructors hold it for everyone in their contexts.
	ActionViewProgress Action = "view_progress"
	// ActionListProgress is the roster-wide progress view.
	ActionListProgress Action = "list_progress"
	// ActionEditCompletion covers required/optional designation and
	// policy writes.
	ActionEditCompletion Action = "edit_completion"
	// ActionAward grants or revokes administrative completions.
	ActionAward Action = "award"
	// ActionAdmin covers rebuilds, resets, and purges.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSiteAdmin:
		return action != ActionAdmin
	case RoleInstructor:
		return action == ActionViewProgress || action == ActionListProgress || action == ActionAward
	case RoleLearner:
		return action == ActionViewProgress
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleLearner, RoleInstructor, RoleSiteAdmin, RoleAdmin:
		return Role(role)
	default:
		return RoleLearner
	}
}
