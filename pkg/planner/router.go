package planner

import (
	"strings"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// routingEntry is one keyword -> role mapping. Order matters: the
// first matching keyword wins.
type routingEntry struct {
	keyword string
	role    protocol.Role
}

// routingTable maps task text to roles. The meta-role keywords come
// first so "plan a review" escalates rather than landing on REVIEWER.
var routingTable = []routingEntry{
	{"plan", protocol.RolePrometheus},
	{"complex", protocol.RolePrometheus},
	{"evolve", protocol.RolePrometheus},
	{"simulate", protocol.RolePrometheus},
	{"review", protocol.RoleReviewer},
	{"audit", protocol.RoleReviewer},
	{"architecture", protocol.RoleArchitect},
	{"architect", protocol.RoleArchitect},
	{"design", protocol.RoleArchitect},
	{"research", protocol.RoleResearcher},
	{"investigate", protocol.RoleResearcher},
	{"compare", protocol.RoleResearcher},
	{"deploy", protocol.RoleDevOps},
	{"docker", protocol.RoleDevOps},
	{"kubernetes", protocol.RoleDevOps},
	{"pipeline", protocol.RoleDevOps},
	{"infrastructure", protocol.RoleDevOps},
	{"implement", protocol.RoleCoder},
	{"code", protocol.RoleCoder},
	{"fix", protocol.RoleCoder},
	{"refactor", protocol.RoleCoder},
	{"write", protocol.RoleCoder},
}

// Route picks the worker role for a task. Pure: the decision depends
// only on complexity and description. Complexity escalation to the
// meta-role takes precedence over keyword routing; otherwise the
// first matching table entry wins, defaulting to CODER.
func Route(task *protocol.Task) protocol.Role {
	if task.Complexity == protocol.ComplexityComplex || task.Complexity == protocol.ComplexityCritical {
		return protocol.RolePrometheus
	}

	lower := strings.ToLower(task.Description)
	for _, entry := range routingTable {
		if strings.Contains(lower, entry.keyword) {
			return entry.role
		}
	}
	return protocol.RoleCoder
}
