package scim

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// IdentityKey normalises a primary email into the identity key used to match users
// across the directory and the target. Comparison is case-insensitive under Unicode
// case folding.
func IdentityKey(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

// AttributeMapper maps directory users to target user attributes.
type AttributeMapper struct {
	// UsernameSuffix is appended to generated user names as "_<suffix>".
	UsernameSuffix string
	// SlugTeamNames lowercases team names and replaces spaces and underscores with hyphens.
	SlugTeamNames bool
}

// TeamName maps a directory group name to the target team name.
func (m AttributeMapper) TeamName(group string) string {
	if !m.SlugTeamNames {
		return group
	}
	var slug = strings.ToLower(strings.TrimSpace(group))
	return strings.NewReplacer(" ", "-", "_", "-").Replace(slug)
}

// MapTeams renames flattened teams to target team names. Two groups mapping to the
// same team name are rejected as ambiguous.
func (m AttributeMapper) MapTeams(teams []FlattenedTeam) ([]FlattenedTeam, error) {
	var result = make([]FlattenedTeam, 0, len(teams))
	var sources = make(map[string]string)
	for _, team := range teams {
		var name = m.TeamName(team.Name)
		if source, ok := sources[name]; ok {
			return nil, &IdentityConflictError{Key: name, Source: "directory", Values: []string{source, team.Name}}
		}
		sources[name] = team.Name
		result = append(result, FlattenedTeam{Name: name, Members: team.Members})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (m AttributeMapper) Map(u *DirectoryUser) UserAttributes {
	var displayName = strings.TrimSpace(u.FullName)
	if len(displayName) == 0 {
		displayName = strings.TrimSpace(strings.Join([]string{u.FirstName, u.LastName}, " "))
	}
	return UserAttributes{
		Key:         u.Key(),
		UserName:    m.UserName(u.Email),
		Email:       strings.TrimSpace(u.Email),
		DisplayName: displayName,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		ExternalId:  u.Id,
		Active:      !u.Suspended,
	}
}

// UserName derives the target user name from the local part of an email.
func (m AttributeMapper) UserName(email string) string {
	var local = strings.TrimSpace(email)
	if pos := strings.IndexByte(local, '@'); pos >= 0 {
		local = local[:pos]
	}
	local = strings.ReplaceAll(local, ".", "-")
	if len(m.UsernameSuffix) > 0 {
		local = local + "_" + m.UsernameSuffix
	}
	return local
}
