package scim

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTeamOps() []Operation {
	alice := UserAttributes{Key: "alice@example.com", Email: "alice@example.com", UserName: "alice", Active: true}
	return []Operation{
		{Kind: AddTeamMember, Team: "engineering", UserKey: "alice@example.com"},
		{Kind: CreateTeam, Team: "engineering"},
		{Kind: CreateUser, UserKey: "alice@example.com", User: &alice},
	}
}

func indexOf(plan *SyncPlan, description string) int {
	for i := range plan.Operations {
		if plan.Operations[i].Description() == description {
			return i
		}
	}
	return -1
}

func TestBuildPlanOrdering(t *testing.T) {
	plan := BuildPlan(newTeamOps(), PlanOptions{})

	createUser := indexOf(plan, "create user alice@example.com")
	createTeam := indexOf(plan, "create team engineering")
	add := indexOf(plan, "add alice@example.com to team engineering")
	require.NotEqual(t, -1, createUser)
	require.NotEqual(t, -1, createTeam)
	require.NotEqual(t, -1, add)
	assert.Less(t, createTeam, add)
	assert.Less(t, createUser, add)
	assert.NoError(t, ValidatePlan(plan, &TargetState{}))
}

func TestBuildPlanMergesInitialMembers(t *testing.T) {
	plan := BuildPlan(newTeamOps(), PlanOptions{MergeTeamMembers: true})

	assert.Equal(t, []string{
		"create user alice@example.com",
		"create team engineering with 1 members",
	}, descriptionsOf(plan.Operations))
	assert.Equal(t, []string{"alice@example.com"}, plan.Operations[1].Members)
	assert.Zero(t, plan.Summary[AddTeamMember])
	assert.NoError(t, ValidatePlan(plan, &TargetState{}))
}

func TestBuildPlanMergeKeepsAddsForExistingTeams(t *testing.T) {
	ops := append(newTeamOps(), Operation{Kind: AddTeamMember, Team: "sales", UserKey: "alice@example.com", TeamId: "t-sales"})
	plan := BuildPlan(ops, PlanOptions{MergeTeamMembers: true})
	assert.Equal(t, 1, plan.Summary[AddTeamMember])
	assert.Equal(t, "add alice@example.com to team sales", plan.Operations[2].Description())
}

func TestBuildPlanDeleteGating(t *testing.T) {
	ops := []Operation{
		{Kind: DeleteUser, UserKey: "dave@example.com", UserId: "u-dave"},
		{Kind: RemoveTeamMember, Team: "engineering", UserKey: "dave@example.com"},
	}

	plan := BuildPlan(ops, PlanOptions{})
	assert.Equal(t, []OperationKind{RemoveTeamMember}, kindsOf(plan.Operations))

	plan = BuildPlan(ops, PlanOptions{DeleteSuspended: true})
	assert.Equal(t, []OperationKind{RemoveTeamMember, DeleteUser}, kindsOf(plan.Operations))
}

func TestBuildPlanDeduplicates(t *testing.T) {
	ops := []Operation{
		{Kind: SuspendUser, UserKey: "carol@example.com"},
		{Kind: SuspendUser, UserKey: "carol@example.com"},
		{Kind: UpdateUser, UserKey: "bob@example.com", Patch: &UserPatch{}},
		{Kind: RemoveTeamMember, Team: "engineering", UserKey: "carol@example.com"},
		{Kind: RemoveTeamMember, Team: "engineering", UserKey: "carol@example.com"},
	}

	plan := BuildPlan(ops, PlanOptions{})
	assert.Equal(t, []string{
		"suspend user carol@example.com",
		"remove carol@example.com from team engineering",
	}, descriptionsOf(plan.Operations))
	assert.Equal(t, map[OperationKind]int{SuspendUser: 1, RemoveTeamMember: 1}, plan.Summary)
}

func TestBuildPlanIsDeterministic(t *testing.T) {
	active := true
	ops := []Operation{
		{Kind: CreateUser, UserKey: "zed@example.com", User: &UserAttributes{}},
		{Kind: CreateUser, UserKey: "amy@example.com", User: &UserAttributes{}},
		{Kind: UpdateUser, UserKey: "bob@example.com", Patch: &UserPatch{Active: &active}},
		{Kind: SuspendUser, UserKey: "carol@example.com"},
		{Kind: CreateTeam, Team: "sales"},
		{Kind: CreateTeam, Team: "engineering"},
		{Kind: AddTeamMember, Team: "sales", UserKey: "amy@example.com"},
		{Kind: AddTeamMember, Team: "engineering", UserKey: "zed@example.com"},
		{Kind: RemoveTeamMember, Team: "engineering", UserKey: "carol@example.com"},
	}
	expected := BuildPlan(ops, PlanOptions{})

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]Operation(nil), ops...)
		rnd.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, expected, BuildPlan(shuffled, PlanOptions{}))
	}

	assert.Equal(t, []string{
		"create user amy@example.com",
		"create user zed@example.com",
		"update user bob@example.com (active)",
		"suspend user carol@example.com",
		"create team engineering",
		"create team sales",
		"add zed@example.com to team engineering",
		"add amy@example.com to team sales",
		"remove carol@example.com from team engineering",
	}, descriptionsOf(expected.Operations))
}

func TestValidatePlan(t *testing.T) {
	observed := &TargetState{
		Users: []*TargetUser{{Id: "u-dave", Key: "dave@example.com", Teams: NewSet[string]()}},
		Teams: []*TargetTeam{{Id: "t-eng", Name: "engineering", Members: MakeSet([]string{"dave@example.com"})}},
	}

	t.Run("missing team", func(t *testing.T) {
		plan := BuildPlan([]Operation{{Kind: AddTeamMember, Team: "sales", UserKey: "dave@example.com"}}, PlanOptions{})
		err := ValidatePlan(plan, observed)
		assert.ErrorIs(t, err, ErrPlanningInvariant)
		assert.Contains(t, err.Error(), "team does not exist")
	})

	t.Run("missing user", func(t *testing.T) {
		plan := BuildPlan([]Operation{{Kind: SuspendUser, UserKey: "ghost@example.com"}}, PlanOptions{})
		assert.ErrorIs(t, ValidatePlan(plan, observed), ErrPlanningInvariant)
	})

	t.Run("delete while holding teams", func(t *testing.T) {
		plan := BuildPlan([]Operation{{Kind: DeleteUser, UserKey: "dave@example.com"}}, PlanOptions{DeleteSuspended: true})
		err := ValidatePlan(plan, observed)
		assert.ErrorIs(t, err, ErrPlanningInvariant)
		assert.Contains(t, err.Error(), "engineering")
	})

	t.Run("remove then delete", func(t *testing.T) {
		plan := BuildPlan([]Operation{
			{Kind: DeleteUser, UserKey: "dave@example.com"},
			{Kind: RemoveTeamMember, Team: "engineering", UserKey: "dave@example.com"},
		}, PlanOptions{DeleteSuspended: true})
		assert.NoError(t, ValidatePlan(plan, observed))
	})

	t.Run("create twice", func(t *testing.T) {
		plan := &SyncPlan{Operations: []Operation{{Kind: CreateTeam, Team: "engineering"}}}
		assert.ErrorIs(t, ValidatePlan(plan, observed), ErrPlanningInvariant)
	})
}
