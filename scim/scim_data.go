package scim

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DirectorySource reads group membership from the source directory.
type DirectorySource interface {
	// FetchGroups returns the membership graph reachable from the named groups.
	FetchGroups(ctx context.Context, names []string) (*DirectoryGraph, error)
}

// ProvisioningTarget reads and mutates users and teams in the provisioned system.
type ProvisioningTarget interface {
	FetchTargetState(ctx context.Context) (*TargetState, error)
	ApplyOperation(ctx context.Context, op *Operation) (*ApplyResult, error)
}

// TeamMemberCreator is implemented by targets that accept the initial member list
// together with team creation.
type TeamMemberCreator interface {
	SupportsCreateTeamWithMembers() bool
}

// ApplyResult carries the target identifier of a resource created by an operation.
type ApplyResult struct {
	Id string
}

type DirectoryUser struct {
	Id        string
	Email     string
	FullName  string
	FirstName string
	LastName  string
	Suspended bool
}

// Key returns the identity key of the user.
func (u *DirectoryUser) Key() string {
	return IdentityKey(u.Email)
}

type MemberKind int

const (
	MemberUser MemberKind = iota
	MemberGroup
)

// Member is a direct member of a directory group. Ref holds the identity key of a
// user or the name of a nested group.
type Member struct {
	Kind MemberKind
	Ref  string
}

type DirectoryGroup struct {
	Id      string
	Name    string
	Email   string
	Members []Member
	Parents []string
}

// DirectoryGraph is the membership graph of a directory snapshot. Users are keyed by
// identity key, groups by name.
type DirectoryGraph struct {
	Users  map[string]*DirectoryUser
	Groups map[string]*DirectoryGroup
}

func NewDirectoryGraph() *DirectoryGraph {
	return &DirectoryGraph{
		Users:  make(map[string]*DirectoryUser),
		Groups: make(map[string]*DirectoryGroup),
	}
}

// AddUser registers a user. Two users whose emails fold to the same identity key are
// rejected as ambiguous.
func (dg *DirectoryGraph) AddUser(u *DirectoryUser) error {
	var key = u.Key()
	if len(key) == 0 {
		return fmt.Errorf("%w: directory user %q has no primary email", ErrInput, u.Id)
	}
	if existing, ok := dg.Users[key]; ok && existing.Id != u.Id {
		return &IdentityConflictError{Key: key, Source: "directory", Values: []string{existing.Email, u.Email}}
	}
	dg.Users[key] = u
	return nil
}

// AddGroup registers a group. Groups are keyed by name, so two distinct groups with
// the same name are rejected as ambiguous.
func (dg *DirectoryGraph) AddGroup(g *DirectoryGroup) error {
	if existing, ok := dg.Groups[g.Name]; ok && existing.Id != g.Id {
		return &IdentityConflictError{Key: g.Name, Source: "directory", Values: []string{existing.Email, g.Email}}
	}
	dg.Groups[g.Name] = g
	return nil
}

// Resolve finds a group by exact name, then by case-insensitive name or email.
func (dg *DirectoryGraph) Resolve(ref string) (*DirectoryGroup, bool) {
	if g, ok := dg.Groups[ref]; ok {
		return g, true
	}
	var names = make([]string, 0, len(dg.Groups))
	for name := range dg.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var g = dg.Groups[name]
		if strings.EqualFold(g.Name, ref) || (len(g.Email) > 0 && strings.EqualFold(g.Email, ref)) {
			return g, true
		}
	}
	return nil, false
}

// FlattenedTeam is a group with its transitive, sorted member identity keys.
type FlattenedTeam struct {
	Name    string
	Members []string
}

// UserAttributes is the fixed set of user fields written to the target.
type UserAttributes struct {
	Key         string
	UserName    string
	Email       string
	DisplayName string
	FirstName   string
	LastName    string
	ExternalId  string
	Active      bool
}

// DesiredState is the flattened directory view scoped to the configured groups.
type DesiredState struct {
	Teams []FlattenedTeam
	Users map[string]UserAttributes
}

type TargetUser struct {
	Id          string
	Key         string
	UserName    string
	Email       string
	DisplayName string
	FirstName   string
	LastName    string
	ExternalId  string
	Active      bool
	Teams       Set[string]
}

type TargetTeam struct {
	Id      string
	Name    string
	Members Set[string]
}

// TargetState is the observed snapshot of the provisioning target.
type TargetState struct {
	Users []*TargetUser
	Teams []*TargetTeam
}

type OperationKind int

const (
	CreateUser OperationKind = iota
	UpdateUser
	SuspendUser
	CreateTeam
	AddTeamMember
	RemoveTeamMember
	DeleteUser
)

var operationKinds = []OperationKind{
	CreateUser, UpdateUser, SuspendUser, CreateTeam, AddTeamMember, RemoveTeamMember, DeleteUser,
}

// OperationKinds returns all operation kinds in execution order.
func OperationKinds() []OperationKind {
	return append([]OperationKind(nil), operationKinds...)
}

func (k OperationKind) String() string {
	switch k {
	case CreateUser:
		return "CreateUser"
	case UpdateUser:
		return "UpdateUser"
	case SuspendUser:
		return "SuspendUser"
	case DeleteUser:
		return "DeleteUser"
	case CreateTeam:
		return "CreateTeam"
	case AddTeamMember:
		return "AddTeamMember"
	case RemoveTeamMember:
		return "RemoveTeamMember"
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// Tier is the execution tier of the operation kind. Tiers run strictly in sequence.
func (k OperationKind) Tier() int {
	switch k {
	case CreateUser, UpdateUser, SuspendUser:
		return 0
	case CreateTeam:
		return 1
	case AddTeamMember, RemoveTeamMember:
		return 2
	default:
		return 3
	}
}

// UserPatch holds only the user fields that changed.
type UserPatch struct {
	UserName    *string
	Email       *string
	DisplayName *string
	FirstName   *string
	LastName    *string
	Active      *bool
}

func (p *UserPatch) IsEmpty() bool {
	return p == nil || (p.UserName == nil && p.Email == nil && p.DisplayName == nil &&
		p.FirstName == nil && p.LastName == nil && p.Active == nil)
}

// Fields names the changed attributes in a stable order.
func (p *UserPatch) Fields() (fields []string) {
	if p == nil {
		return
	}
	if p.UserName != nil {
		fields = append(fields, "userName")
	}
	if p.Email != nil {
		fields = append(fields, "email")
	}
	if p.DisplayName != nil {
		fields = append(fields, "displayName")
	}
	if p.FirstName != nil {
		fields = append(fields, "givenName")
	}
	if p.LastName != nil {
		fields = append(fields, "familyName")
	}
	if p.Active != nil {
		fields = append(fields, "active")
	}
	return
}

// Operation is a single change against the target. Kind selects which payload
// fields are meaningful.
type Operation struct {
	Kind    OperationKind
	UserKey string
	Team    string

	// Target identifiers. Empty when the entity is created earlier in the same plan;
	// the executor binds them before the operation is applied.
	UserId string
	TeamId string

	User    *UserAttributes
	Patch   *UserPatch
	Members []string

	// MemberIds is bound by the executor for CreateTeam from Members.
	MemberIds []string
}

// Description is the audit text of the operation.
func (op *Operation) Description() string {
	switch op.Kind {
	case CreateUser:
		return fmt.Sprintf("create user %s", op.UserKey)
	case UpdateUser:
		return fmt.Sprintf("update user %s (%s)", op.UserKey, strings.Join(op.Patch.Fields(), ", "))
	case SuspendUser:
		return fmt.Sprintf("suspend user %s", op.UserKey)
	case DeleteUser:
		return fmt.Sprintf("delete user %s", op.UserKey)
	case CreateTeam:
		if len(op.Members) > 0 {
			return fmt.Sprintf("create team %s with %d members", op.Team, len(op.Members))
		}
		return fmt.Sprintf("create team %s", op.Team)
	case AddTeamMember:
		return fmt.Sprintf("add %s to team %s", op.UserKey, op.Team)
	case RemoveTeamMember:
		return fmt.Sprintf("remove %s from team %s", op.UserKey, op.Team)
	}
	return op.Kind.String()
}

func (op *Operation) String() string {
	return op.Description()
}

// identity identifies an operation for deduplication.
func (op *Operation) identity() string {
	return op.Kind.String() + "\x00" + op.Team + "\x00" + op.UserKey
}

// SyncPlan is the ordered list of operations of one run.
type SyncPlan struct {
	Operations []Operation
	Summary    map[OperationKind]int
}

func (p *SyncPlan) IsEmpty() bool {
	return p == nil || len(p.Operations) == 0
}

type OutcomeStatus int

const (
	Applied OutcomeStatus = iota
	WouldApply
	Failed
	Skipped
	Cancelled
)

func (s OutcomeStatus) String() string {
	switch s {
	case Applied:
		return "Applied"
	case WouldApply:
		return "WouldApply"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	case Cancelled:
		return "Cancelled"
	}
	return fmt.Sprintf("OutcomeStatus(%d)", int(s))
}

// OperationOutcome records what happened to one planned operation.
type OperationOutcome struct {
	Index      int
	Operation  Operation
	Status     OutcomeStatus
	Attempts   int
	ResourceId string
	Err        error
	// Cause is the description of the failed operation a skipped one depended on.
	Cause string
}
