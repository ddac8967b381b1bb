package scim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"
)

const defaultCustomer = "my_customer"

// GoogleEndpointParameters configures access to Google Workspace.
type GoogleEndpointParameters struct {
	// AdminAccount is the Workspace administrator impersonated through domain-wide delegation.
	AdminAccount string
	// Credentials holds the service account JSON key.
	Credentials []byte
	Customer    string
	// ScimGroups are the groups fetched when FetchGroups is called without names.
	ScimGroups []string
}

// GoogleEndpoint reads users and nested group membership from the Admin SDK Directory API.
type GoogleEndpoint struct {
	params    GoogleEndpointParameters
	directory *admin.Service
	logger    zerolog.Logger
}

type GoogleEndpointOption func(*GoogleEndpoint)

// WithDirectoryService uses an already configured Directory API client.
func WithDirectoryService(directory *admin.Service) GoogleEndpointOption {
	return func(ge *GoogleEndpoint) {
		ge.directory = directory
	}
}

func WithGoogleLogger(logger zerolog.Logger) GoogleEndpointOption {
	return func(ge *GoogleEndpoint) {
		ge.logger = logger
	}
}

// NewGoogleEndpoint creates a DirectorySource for Google Workspace.
func NewGoogleEndpoint(params *GoogleEndpointParameters, opts ...GoogleEndpointOption) *GoogleEndpoint {
	var ge = &GoogleEndpoint{
		params: *params,
		logger: zerolog.Nop(),
	}
	if len(ge.params.Customer) == 0 {
		ge.params.Customer = defaultCustomer
	}
	for _, opt := range opts {
		opt(ge)
	}
	return ge
}

func (ge *GoogleEndpoint) connect(ctx context.Context) (directory *admin.Service, err error) {
	if ge.directory != nil {
		return ge.directory, nil
	}
	params := google.CredentialsParams{
		Scopes: []string{admin.AdminDirectoryUserReadonlyScope,
			admin.AdminDirectoryGroupReadonlyScope, admin.AdminDirectoryGroupMemberReadonlyScope},
		Subject: ge.params.AdminAccount,
	}
	var cred *google.Credentials
	if cred, err = google.CredentialsFromJSONWithParams(ctx, ge.params.Credentials, params); err != nil {
		err = fmt.Errorf("google credentials: %w", err)
		return
	}
	if directory, err = admin.NewService(ctx, option.WithCredentials(cred)); err != nil {
		return
	}
	ge.directory = directory
	return
}

// FetchGroups reads all users and groups of the customer, resolves names against
// group names and emails, and walks nested membership breadth-first from the
// resolved groups. Members of every reached group are fetched once. Without names
// the configured ScimGroups are used.
func (ge *GoogleEndpoint) FetchGroups(ctx context.Context, names []string) (graph *DirectoryGraph, err error) {
	if len(names) == 0 {
		names = ge.params.ScimGroups
	}
	var directory *admin.Service
	if directory, err = ge.connect(ctx); err != nil {
		return
	}

	graph = NewDirectoryGraph()
	var userLookup = make(map[string]*DirectoryUser)
	if err = directory.Users.List().Customer(ge.params.Customer).MaxResults(500).Pages(ctx, func(users *admin.Users) error {
		for _, u := range users.Users {
			var du = &DirectoryUser{
				Id:        u.Id,
				Email:     u.PrimaryEmail,
				Suspended: u.Suspended,
			}
			if u.Name != nil {
				du.FirstName = u.Name.GivenName
				du.LastName = u.Name.FamilyName
				du.FullName = u.Name.FullName
			}
			if er1 := graph.AddUser(du); er1 != nil {
				return er1
			}
			userLookup[du.Id] = du
		}
		return nil
	}); err != nil {
		err = fmt.Errorf("google directory API: query users: %w", err)
		return
	}

	var groupLookup = make(map[string]*admin.Group)
	var groupsByRef = make(map[string]*admin.Group)
	var ambiguous = make(map[string][]string)
	if err = directory.Groups.List().Customer(ge.params.Customer).MaxResults(200).Pages(ctx, func(groups *admin.Groups) error {
		for _, g := range groups.Groups {
			groupLookup[g.Id] = g
			var name = strings.ToLower(g.Name)
			if existing, ok := groupsByRef[name]; ok && existing.Id != g.Id {
				if len(ambiguous[name]) == 0 {
					ambiguous[name] = []string{existing.Email}
				}
				ambiguous[name] = append(ambiguous[name], g.Email)
			}
			groupsByRef[name] = g
			groupsByRef[strings.ToLower(g.Email)] = g
		}
		return nil
	}); err != nil {
		err = fmt.Errorf("google directory API: query groups: %w", err)
		return
	}

	var queue []*admin.Group
	var queued = NewSet[string]()
	for _, name := range names {
		var ref = strings.ToLower(strings.TrimSpace(name))
		if emails, ok := ambiguous[ref]; ok {
			err = &IdentityConflictError{Key: name, Source: "directory", Values: emails}
			return
		}
		var g, ok = groupsByRef[ref]
		if !ok {
			ge.logger.Warn().Str("group", name).Msg("Google Workspace group not found")
			continue
		}
		if !queued.Has(g.Id) {
			queued.Add(g.Id)
			queue = append(queue, g)
		}
	}
	if len(names) > 0 && len(queue) == 0 {
		err = errors.New("no Google Workspace groups could be resolved")
		return
	}

	var parents = make(map[string][]string)
	for pos := 0; pos < len(queue); pos++ {
		var g = queue[pos]
		var dg = &DirectoryGroup{
			Id:    g.Id,
			Name:  g.Name,
			Email: g.Email,
		}
		if err = directory.Members.List(g.Id).MaxResults(200).Pages(ctx, func(members *admin.Members) error {
			for _, m := range members.Members {
				switch m.Type {
				case "USER":
					if u, ok := userLookup[m.Id]; ok {
						dg.Members = append(dg.Members, Member{Kind: MemberUser, Ref: u.Key()})
					}
				case "GROUP":
					if sg, ok := groupLookup[m.Id]; ok {
						dg.Members = append(dg.Members, Member{Kind: MemberGroup, Ref: sg.Name})
						parents[sg.Name] = append(parents[sg.Name], g.Name)
						if !queued.Has(sg.Id) {
							queued.Add(sg.Id)
							queue = append(queue, sg)
						}
					}
				}
			}
			return nil
		}); err != nil {
			err = fmt.Errorf("google directory API: query members of %q: %w", g.Email, err)
			return
		}
		if err = graph.AddGroup(dg); err != nil {
			return
		}
	}
	for name, dg := range graph.Groups {
		dg.Parents = parents[name]
	}

	ge.logger.Debug().Int("users", len(graph.Users)).Int("groups", len(graph.Groups)).Msg("Google Workspace snapshot loaded")
	return
}
