package scim

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const DefaultMaxDepth = 64

// FlattenOptions scopes the traversal of the membership graph.
type FlattenOptions struct {
	// Filter holds glob patterns matched against group names and emails. An empty
	// filter keeps every group reachable from the roots.
	Filter []string
	// MaxDepth limits the nesting depth. Zero means DefaultMaxDepth.
	MaxDepth int
}

// FlattenResult is the output of Flatten.
type FlattenResult struct {
	Teams []FlattenedTeam
	// Unresolved lists requested root groups absent from the graph or outside the filter.
	Unresolved []string
}

type scope struct {
	patterns []string
}

func newScope(filter []string) (*scope, error) {
	var s = new(scope)
	for _, p := range filter {
		p = strings.ToLower(strings.TrimSpace(p))
		if len(p) == 0 {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: invalid group filter pattern %q", ErrInput, p)
		}
		s.patterns = append(s.patterns, p)
	}
	return s, nil
}

func (s *scope) includes(g *DirectoryGroup) bool {
	if len(s.patterns) == 0 {
		return true
	}
	var candidates = []string{strings.ToLower(g.Name)}
	if len(g.Email) > 0 {
		candidates = append(candidates, strings.ToLower(g.Email))
	}
	for _, p := range s.patterns {
		for _, c := range candidates {
			if ok, _ := doublestar.Match(p, c); ok {
				return true
			}
		}
	}
	return false
}

type flattenFrame struct {
	group   *DirectoryGroup
	next    int
	members Set[string]
}

// Flatten expands nested group membership into flat member sets for every in-scope
// group reachable from roots. The traversal keeps an explicit stack: a group seen
// again while still on the stack is a cycle, and resolved groups are memoised so a
// subgroup shared by several parents is expanded once. Suspended users and
// out-of-scope nested groups are skipped.
func Flatten(graph *DirectoryGraph, roots []string, opts FlattenOptions) (*FlattenResult, error) {
	var sc, err = newScope(opts.Filter)
	if err != nil {
		return nil, err
	}
	var maxDepth = opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var result = new(FlattenResult)
	var resolved = make(map[string]Set[string])
	var onStack = NewSet[string]()

	var sortedRoots = append([]string(nil), roots...)
	sort.Strings(sortedRoots)
	for _, root := range sortedRoots {
		var g, ok = graph.Resolve(root)
		if !ok || !sc.includes(g) {
			result.Unresolved = append(result.Unresolved, root)
			continue
		}
		if _, ok = resolved[g.Name]; ok {
			continue
		}

		var stack = []*flattenFrame{{group: g, members: NewSet[string]()}}
		onStack.Add(g.Name)
		for len(stack) > 0 {
			var top = stack[len(stack)-1]
			if top.next >= len(top.group.Members) {
				stack = stack[:len(stack)-1]
				onStack.Delete(top.group.Name)
				resolved[top.group.Name] = top.members
				if len(stack) > 0 {
					stack[len(stack)-1].members.Merge(top.members)
				}
				continue
			}

			var m = top.group.Members[top.next]
			top.next++
			switch m.Kind {
			case MemberUser:
				var u = graph.Users[m.Ref]
				if u == nil || u.Suspended {
					continue
				}
				top.members.Add(m.Ref)

			case MemberGroup:
				var child = graph.Groups[m.Ref]
				if child == nil || !sc.includes(child) {
					continue
				}
				if onStack.Has(child.Name) {
					return nil, &CycleError{Path: cyclePath(stack, child.Name)}
				}
				if members, ok := resolved[child.Name]; ok {
					top.members.Merge(members)
					continue
				}
				if len(stack) >= maxDepth {
					return nil, fmt.Errorf("%w: group %q nested deeper than %d levels", ErrInput, child.Name, maxDepth)
				}
				stack = append(stack, &flattenFrame{group: child, members: NewSet[string]()})
				onStack.Add(child.Name)
			}
		}
	}

	var names = make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result.Teams = append(result.Teams, FlattenedTeam{
			Name:    name,
			Members: SortedKeys(resolved[name]),
		})
	}
	return result, nil
}

func cyclePath(stack []*flattenFrame, repeated string) []string {
	var path []string
	var inCycle bool
	for _, f := range stack {
		if f.group.Name == repeated {
			inCycle = true
		}
		if inCycle {
			path = append(path, f.group.Name)
		}
	}
	return append(path, repeated)
}

// BuildDesiredState attaches target attributes to the flattened teams. Individual
// users are added without team membership; the returned list names the ones not
// found in the graph or suspended.
func BuildDesiredState(graph *DirectoryGraph, teams []FlattenedTeam, individualUsers []string, mapper AttributeMapper) (*DesiredState, []string) {
	var desired = &DesiredState{
		Teams: teams,
		Users: make(map[string]UserAttributes),
	}
	for _, team := range teams {
		for _, key := range team.Members {
			if _, ok := desired.Users[key]; ok {
				continue
			}
			if u, ok := graph.Users[key]; ok {
				desired.Users[key] = mapper.Map(u)
			}
		}
	}
	var missing []string
	for _, email := range individualUsers {
		var key = IdentityKey(email)
		if len(key) == 0 {
			continue
		}
		var u, ok = graph.Users[key]
		if !ok || u.Suspended {
			missing = append(missing, email)
			continue
		}
		desired.Users[key] = mapper.Map(u)
	}
	return desired, missing
}
