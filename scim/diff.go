package scim

import (
	"sort"
)

// DiffPolicy controls lifecycle decisions of the differencer.
type DiffPolicy struct {
	DeleteSuspended bool
	CreateTeams     bool
}

type observedIndex struct {
	users map[string]*TargetUser
	teams map[string]*TargetTeam
}

func indexTargetState(observed *TargetState) (*observedIndex, error) {
	var idx = &observedIndex{
		users: make(map[string]*TargetUser),
		teams: make(map[string]*TargetTeam),
	}
	if observed == nil {
		return idx, nil
	}
	for _, u := range observed.Users {
		var key = IdentityKey(u.Key)
		if existing, ok := idx.users[key]; ok {
			return nil, &IdentityConflictError{Key: key, Source: "target", Values: []string{existing.Id, u.Id}}
		}
		idx.users[key] = u
	}
	for _, t := range observed.Teams {
		var members = NewSet[string]()
		for key := range t.Members {
			members.Add(IdentityKey(key))
		}
		idx.teams[t.Name] = &TargetTeam{Id: t.Id, Name: t.Name, Members: members}
	}
	return idx, nil
}

// heldTeams returns the names of every observed team the user belongs to.
func (idx *observedIndex) heldTeams(u *TargetUser) Set[string] {
	var teams = u.Teams.Copy()
	var key = IdentityKey(u.Key)
	for name, t := range idx.teams {
		if t.Members.Has(key) {
			teams.Add(name)
		}
	}
	return teams
}

// Diff compares the desired state against the observed target snapshot and returns
// the unordered set of operations that move the target toward the desired state.
// Users no longer desired are suspended and removed from every team they still
// hold. Already suspended ones are deleted only under policy.DeleteSuspended.
func Diff(desired *DesiredState, observed *TargetState, policy DiffPolicy) ([]Operation, error) {
	var idx, err = indexTargetState(observed)
	if err != nil {
		return nil, err
	}

	var ops []Operation
	var removals = NewSet[string]()
	var addRemoval = func(team *TargetTeam, u *TargetUser) {
		var key = IdentityKey(u.Key)
		var token = team.Name + "\x00" + key
		if removals.Has(token) {
			return
		}
		removals.Add(token)
		ops = append(ops, Operation{
			Kind:    RemoveTeamMember,
			Team:    team.Name,
			TeamId:  team.Id,
			UserKey: key,
			UserId:  u.Id,
		})
	}

	var desiredKeys = make([]string, 0, len(desired.Users))
	for key := range desired.Users {
		desiredKeys = append(desiredKeys, key)
	}
	sort.Strings(desiredKeys)
	for _, key := range desiredKeys {
		var attrs = desired.Users[key]
		var existing, ok = idx.users[key]
		if !ok {
			var user = attrs
			ops = append(ops, Operation{Kind: CreateUser, UserKey: key, User: &user})
			continue
		}
		if patch := diffUser(existing, attrs); !patch.IsEmpty() {
			ops = append(ops, Operation{Kind: UpdateUser, UserKey: key, UserId: existing.Id, Patch: patch})
		}
	}

	for _, team := range desired.Teams {
		var observedTeam = idx.teams[team.Name]
		var observedMembers Set[string]
		if observedTeam == nil {
			if !policy.CreateTeams {
				continue
			}
			ops = append(ops, Operation{Kind: CreateTeam, Team: team.Name})
		} else {
			observedMembers = observedTeam.Members
		}

		var wanted = MakeSet(team.Members)
		for _, key := range SortedKeys(wanted.Difference(observedMembers)) {
			var op = Operation{Kind: AddTeamMember, Team: team.Name, UserKey: key}
			if observedTeam != nil {
				op.TeamId = observedTeam.Id
			}
			if u, ok := idx.users[key]; ok {
				op.UserId = u.Id
			}
			ops = append(ops, op)
		}
		for _, key := range SortedKeys(observedMembers.Difference(wanted)) {
			if u, ok := idx.users[key]; ok {
				addRemoval(observedTeam, u)
			}
		}
	}

	var observedKeys = make([]string, 0, len(idx.users))
	for key := range idx.users {
		observedKeys = append(observedKeys, key)
	}
	sort.Strings(observedKeys)
	for _, key := range observedKeys {
		if _, ok := desired.Users[key]; ok {
			continue
		}
		var u = idx.users[key]
		for _, name := range SortedKeys(idx.heldTeams(u)) {
			if t, ok := idx.teams[name]; ok {
				addRemoval(t, u)
			}
		}
		if u.Active {
			ops = append(ops, Operation{Kind: SuspendUser, UserKey: key, UserId: u.Id})
			continue
		}
		if policy.DeleteSuspended {
			ops = append(ops, Operation{Kind: DeleteUser, UserKey: key, UserId: u.Id})
		}
	}
	return ops, nil
}

func diffUser(existing *TargetUser, desired UserAttributes) *UserPatch {
	var patch = new(UserPatch)
	if existing.UserName != desired.UserName {
		patch.UserName = &desired.UserName
	}
	if existing.Email != desired.Email {
		patch.Email = &desired.Email
	}
	if existing.DisplayName != desired.DisplayName {
		patch.DisplayName = &desired.DisplayName
	}
	if existing.FirstName != desired.FirstName {
		patch.FirstName = &desired.FirstName
	}
	if existing.LastName != desired.LastName {
		patch.LastName = &desired.LastName
	}
	if existing.Active != desired.Active {
		patch.Active = &desired.Active
	}
	return patch
}
