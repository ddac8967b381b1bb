package scim

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

func userMember(email string) Member {
	return Member{Kind: MemberUser, Ref: IdentityKey(email)}
}

func groupMember(name string) Member {
	return Member{Kind: MemberGroup, Ref: name}
}

type graphBuilder struct {
	graph *DirectoryGraph
	ids   int
}

func newGraphBuilder() *graphBuilder {
	return &graphBuilder{graph: NewDirectoryGraph()}
}

func (b *graphBuilder) user(email, first, last string) *graphBuilder {
	b.ids++
	if err := b.graph.AddUser(&DirectoryUser{
		Id:        fmt.Sprintf("g-%d", b.ids),
		Email:     email,
		FullName:  first + " " + last,
		FirstName: first,
		LastName:  last,
	}); err != nil {
		panic(err)
	}
	return b
}

func (b *graphBuilder) suspended(email string) *graphBuilder {
	b.graph.Users[IdentityKey(email)].Suspended = true
	return b
}

func (b *graphBuilder) group(name string, members ...Member) *graphBuilder {
	b.ids++
	if err := b.graph.AddGroup(&DirectoryGroup{
		Id:      fmt.Sprintf("g-%d", b.ids),
		Name:    name,
		Email:   fmt.Sprintf("%s@groups.example.com", name),
		Members: members,
	}); err != nil {
		panic(err)
	}
	return b
}

// targetUserFor returns an observed user matching the attributes exactly.
func targetUserFor(attrs UserAttributes, id string, teams ...string) *TargetUser {
	return &TargetUser{
		Id:          id,
		Key:         attrs.Key,
		UserName:    attrs.UserName,
		Email:       attrs.Email,
		DisplayName: attrs.DisplayName,
		FirstName:   attrs.FirstName,
		LastName:    attrs.LastName,
		ExternalId:  attrs.ExternalId,
		Active:      attrs.Active,
		Teams:       MakeSet(teams),
	}
}

func kindsOf(ops []Operation) (kinds []OperationKind) {
	for _, op := range ops {
		kinds = append(kinds, op.Kind)
	}
	return
}

func descriptionsOf(ops []Operation) (result []string) {
	for _, op := range ops {
		result = append(result, op.Description())
	}
	return
}

func ofKind(ops []Operation, kind OperationKind) (result []Operation) {
	for _, op := range ops {
		if op.Kind == kind {
			result = append(result, op)
		}
	}
	return
}

// memoryTarget is an in-memory ProvisioningTarget. Failures are keyed by operation
// description.
type memoryTarget struct {
	mu     sync.Mutex
	users  map[string]*TargetUser
	teams  map[string]*TargetTeam
	nextId int
	atomic bool

	// fatal fails the operation on every attempt with a non-retryable error.
	fatal map[string]bool
	// transient fails the operation with a retryable error this many times.
	transient map[string]int

	calls   map[string]int
	applied []string
}

func newMemoryTarget() *memoryTarget {
	return &memoryTarget{
		users:     make(map[string]*TargetUser),
		teams:     make(map[string]*TargetTeam),
		atomic:    true,
		fatal:     make(map[string]bool),
		transient: make(map[string]int),
		calls:     make(map[string]int),
	}
}

func (m *memoryTarget) newId(prefix string) string {
	m.nextId++
	return fmt.Sprintf("%s-%d", prefix, m.nextId)
}

func (m *memoryTarget) seedUser(u *TargetUser) *memoryTarget {
	var cp = *u
	cp.Teams = nil
	m.users[u.Id] = &cp
	return m
}

func (m *memoryTarget) seedTeam(id, name string, members ...string) *memoryTarget {
	var keys = NewSet[string]()
	for _, email := range members {
		keys.Add(IdentityKey(email))
	}
	m.teams[id] = &TargetTeam{Id: id, Name: name, Members: keys}
	return m
}

func (m *memoryTarget) SupportsCreateTeamWithMembers() bool {
	return m.atomic
}

func (m *memoryTarget) FetchTargetState(_ context.Context) (*TargetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var state = new(TargetState)
	var byKey = make(map[string]*TargetUser)
	for _, u := range m.users {
		var cp = *u
		cp.Teams = NewSet[string]()
		byKey[cp.Key] = &cp
		state.Users = append(state.Users, &cp)
	}
	for _, t := range m.teams {
		var cp = &TargetTeam{Id: t.Id, Name: t.Name, Members: t.Members.Copy()}
		for key := range cp.Members {
			if u, ok := byKey[key]; ok {
				u.Teams.Add(cp.Name)
			}
		}
		state.Teams = append(state.Teams, cp)
	}
	return state, nil
}

func (m *memoryTarget) ApplyOperation(_ context.Context, op *Operation) (*ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var description = op.Description()
	m.calls[description]++
	if m.fatal[description] {
		return nil, &ScimError{Method: http.MethodPost, Resource: "Users", StatusCode: http.StatusConflict}
	}
	if m.transient[description] > 0 {
		m.transient[description]--
		return nil, &ScimError{Method: http.MethodPost, Resource: "Users", StatusCode: http.StatusServiceUnavailable}
	}

	var result *ApplyResult
	switch op.Kind {
	case CreateUser:
		var id = m.newId("u")
		m.users[id] = &TargetUser{
			Id:          id,
			Key:         IdentityKey(op.User.Email),
			UserName:    op.User.UserName,
			Email:       op.User.Email,
			DisplayName: op.User.DisplayName,
			FirstName:   op.User.FirstName,
			LastName:    op.User.LastName,
			ExternalId:  op.User.ExternalId,
			Active:      op.User.Active,
		}
		result = &ApplyResult{Id: id}
	case UpdateUser:
		var u, ok = m.users[op.UserId]
		if !ok {
			return nil, fmt.Errorf("user %s not found", op.UserId)
		}
		var p = op.Patch
		if p.UserName != nil {
			u.UserName = *p.UserName
		}
		if p.Email != nil {
			u.Email = *p.Email
		}
		if p.DisplayName != nil {
			u.DisplayName = *p.DisplayName
		}
		if p.FirstName != nil {
			u.FirstName = *p.FirstName
		}
		if p.LastName != nil {
			u.LastName = *p.LastName
		}
		if p.Active != nil {
			u.Active = *p.Active
		}
	case SuspendUser:
		var u, ok = m.users[op.UserId]
		if !ok {
			return nil, fmt.Errorf("user %s not found", op.UserId)
		}
		u.Active = false
	case DeleteUser:
		var u, ok = m.users[op.UserId]
		if !ok {
			return nil, fmt.Errorf("user %s not found", op.UserId)
		}
		for _, t := range m.teams {
			if t.Members.Has(u.Key) {
				return nil, fmt.Errorf("user %s still belongs to team %s", u.Key, t.Name)
			}
		}
		delete(m.users, op.UserId)
	case CreateTeam:
		var id = m.newId("t")
		var team = &TargetTeam{Id: id, Name: op.Team, Members: NewSet[string]()}
		for _, memberId := range op.MemberIds {
			if u, ok := m.users[memberId]; ok {
				team.Members.Add(u.Key)
			}
		}
		m.teams[id] = team
		result = &ApplyResult{Id: id}
	case AddTeamMember, RemoveTeamMember:
		var t, ok = m.teams[op.TeamId]
		if !ok {
			return nil, fmt.Errorf("team %s not found", op.TeamId)
		}
		var u *TargetUser
		if u, ok = m.users[op.UserId]; !ok {
			return nil, fmt.Errorf("user %s not found", op.UserId)
		}
		if op.Kind == AddTeamMember {
			t.Members.Add(u.Key)
		} else {
			t.Members.Delete(u.Key)
		}
	}
	m.applied = append(m.applied, description)
	return result, nil
}

func (m *memoryTarget) appliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

type collectingRecorder struct {
	mu       sync.Mutex
	outcomes []OperationOutcome
}

func (r *collectingRecorder) Record(outcome OperationOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}
