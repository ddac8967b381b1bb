package scim

import (
	"fmt"
	"sort"
)

// PlanOptions controls the planner.
type PlanOptions struct {
	DeleteSuspended bool
	// MergeTeamMembers folds AddTeamMember operations for a team created in the same
	// plan into the CreateTeam member list.
	MergeTeamMembers bool
}

// BuildPlan orders and deduplicates operations into an executable plan. Operations are
// ordered by tier (user changes, team creation, membership changes, deletions) and,
// within a tier, by kind, team name and identity key. The result does not depend on
// dry-run mode.
func BuildPlan(ops []Operation, opts PlanOptions) *SyncPlan {
	var seen = NewSet[string]()
	var unique = make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.Kind == DeleteUser && !opts.DeleteSuspended {
			continue
		}
		if op.Kind == UpdateUser && op.Patch.IsEmpty() {
			continue
		}
		var id = op.identity()
		if seen.Has(id) {
			continue
		}
		seen.Add(id)
		unique = append(unique, op)
	}

	if opts.MergeTeamMembers {
		unique = mergeTeamMembers(unique)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		var a, b = &unique[i], &unique[j]
		if a.Kind.Tier() != b.Kind.Tier() {
			return a.Kind.Tier() < b.Kind.Tier()
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Team != b.Team {
			return a.Team < b.Team
		}
		return a.UserKey < b.UserKey
	})

	var plan = &SyncPlan{
		Operations: unique,
		Summary:    make(map[OperationKind]int),
	}
	for _, op := range unique {
		plan.Summary[op.Kind]++
	}
	return plan
}

func mergeTeamMembers(ops []Operation) []Operation {
	var created = make(map[string]int)
	for i, op := range ops {
		if op.Kind == CreateTeam {
			created[op.Team] = i
		}
	}
	if len(created) == 0 {
		return ops
	}
	var result = make([]Operation, 0, len(ops))
	var members = make(map[string]Set[string])
	for _, op := range ops {
		if op.Kind == AddTeamMember {
			if _, ok := created[op.Team]; ok {
				if members[op.Team] == nil {
					members[op.Team] = NewSet[string]()
				}
				members[op.Team].Add(op.UserKey)
				continue
			}
		}
		result = append(result, op)
	}
	for i := range result {
		if result[i].Kind != CreateTeam {
			continue
		}
		var set = MakeSet(result[i].Members)
		set.Merge(members[result[i].Team])
		if len(set) > 0 {
			result[i].Members = SortedKeys(set)
		}
	}
	return result
}

// ValidatePlan walks the plan tier by tier against the observed snapshot and checks
// that every operation references an entity that exists or is created in an earlier
// tier, and that deleted users no longer hold team memberships.
func ValidatePlan(plan *SyncPlan, observed *TargetState) error {
	var idx, err = indexTargetState(observed)
	if err != nil {
		return err
	}
	var users = NewSet[string]()
	for key := range idx.users {
		users.Add(key)
	}
	var teams = NewSet[string]()
	var memberships = make(map[string]Set[string])
	var hold = func(key, team string) {
		if memberships[key] == nil {
			memberships[key] = NewSet[string]()
		}
		memberships[key].Add(team)
	}
	for name, t := range idx.teams {
		teams.Add(name)
		for key := range t.Members {
			hold(key, name)
		}
	}
	for key, u := range idx.users {
		for team := range u.Teams {
			if teams.Has(team) {
				hold(key, team)
			}
		}
	}

	var violation = func(op *Operation, format string, args ...any) error {
		return &InvariantError{Operation: op.Description(), Reason: fmt.Sprintf(format, args...)}
	}

	var tier = -1
	var createdUsers, createdTeams = NewSet[string](), NewSet[string]()
	for i := range plan.Operations {
		var op = &plan.Operations[i]
		if op.Kind.Tier() < tier {
			return violation(op, "operation out of tier order")
		}
		if op.Kind.Tier() != tier {
			users.Merge(createdUsers)
			teams.Merge(createdTeams)
			createdUsers, createdTeams = NewSet[string](), NewSet[string]()
			tier = op.Kind.Tier()
		}
		switch op.Kind {
		case CreateUser:
			if users.Has(op.UserKey) || createdUsers.Has(op.UserKey) {
				return violation(op, "user already exists")
			}
			createdUsers.Add(op.UserKey)
		case UpdateUser, SuspendUser:
			if !users.Has(op.UserKey) {
				return violation(op, "user does not exist")
			}
		case CreateTeam:
			if teams.Has(op.Team) || createdTeams.Has(op.Team) {
				return violation(op, "team already exists")
			}
			for _, key := range op.Members {
				if !users.Has(key) {
					return violation(op, "member %s does not exist", key)
				}
				hold(key, op.Team)
			}
			createdTeams.Add(op.Team)
		case AddTeamMember, RemoveTeamMember:
			if !teams.Has(op.Team) {
				return violation(op, "team does not exist")
			}
			if !users.Has(op.UserKey) {
				return violation(op, "user does not exist")
			}
			if op.Kind == AddTeamMember {
				hold(op.UserKey, op.Team)
			} else {
				memberships[op.UserKey].Delete(op.Team)
			}
		case DeleteUser:
			if !users.Has(op.UserKey) {
				return violation(op, "user does not exist")
			}
			if held := memberships[op.UserKey]; len(held) > 0 {
				return violation(op, "user still holds teams %v", SortedKeys(held))
			}
			users.Delete(op.UserKey)
		}
	}
	return nil
}
