package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	scimUserSchema    = "urn:ietf:params:scim:schemas:core:2.0:User"
	scimGroupSchema   = "urn:ietf:params:scim:schemas:core:2.0:Group"
	scimPatchOpSchema = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	scimPageSize      = 100
	scimMaxPages      = 1000
)

// ScimEndpointParameters configures the SCIM provisioning endpoint.
type ScimEndpointParameters struct {
	Url   string
	Token string
	// RequestsPerSecond limits the request rate. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// ScimError is a non-success response or a transport failure of a SCIM request.
type ScimError struct {
	Method     string
	Resource   string
	StatusCode int
	Detail     string
	Cause      error
}

func (e *ScimError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s SCIM \"%s\" error: %v", e.Method, e.Resource, e.Cause)
	}
	if len(e.Detail) > 0 {
		return fmt.Sprintf("%s SCIM \"%s\" error: %s", e.Method, e.Resource, e.Detail)
	}
	return fmt.Sprintf("%s SCIM \"%s\" error: Status code %d", e.Method, e.Resource, e.StatusCode)
}

func (e *ScimError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports timeouts, dropped connections, throttling and server errors as
// recoverable. Validation failures, conflicts and other transport failures such as
// certificate or URL errors are not.
func (e *ScimError) IsRetryable() bool {
	if e.Cause != nil {
		var ne net.Error
		if errors.As(e.Cause, &ne) && ne.Timeout() {
			return true
		}
		return errors.Is(e.Cause, io.ErrUnexpectedEOF) || errors.Is(e.Cause, io.EOF) ||
			errors.Is(e.Cause, syscall.ECONNRESET) || errors.Is(e.Cause, syscall.ECONNREFUSED)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// ScimEndpoint is a ProvisioningTarget speaking SCIM 2.0.
type ScimEndpoint struct {
	baseUrl string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

type ScimEndpointOption func(*ScimEndpoint)

func WithHttpClient(client *http.Client) ScimEndpointOption {
	return func(s *ScimEndpoint) {
		s.client = client
	}
}

func WithScimLogger(logger zerolog.Logger) ScimEndpointOption {
	return func(s *ScimEndpoint) {
		s.logger = logger
	}
}

func NewScimEndpoint(params *ScimEndpointParameters, opts ...ScimEndpointOption) *ScimEndpoint {
	var s = &ScimEndpoint{
		baseUrl: strings.TrimRight(params.Url, "/"),
		token:   params.Token,
		client:  &http.Client{Timeout: params.Timeout},
		logger:  zerolog.Nop(),
	}
	if params.RequestsPerSecond > 0 {
		var burst = params.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(params.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportsCreateTeamWithMembers reports that SCIM groups accept members on creation.
func (s *ScimEndpoint) SupportsCreateTeamWithMembers() bool {
	return true
}

type scimName struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	Formatted  string `json:"formatted,omitempty"`
}

type scimEmail struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary"`
	Type    string `json:"type,omitempty"`
}

type scimMember struct {
	Value string `json:"value"`
}

type scimUserResource struct {
	Schemas     []string    `json:"schemas"`
	UserName    string      `json:"userName"`
	ExternalId  string      `json:"externalId,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Name        scimName    `json:"name"`
	Emails      []scimEmail `json:"emails"`
	Active      bool        `json:"active"`
}

type scimGroupResource struct {
	Schemas     []string     `json:"schemas"`
	DisplayName string       `json:"displayName"`
	Members     []scimMember `json:"members,omitempty"`
}

type scimPatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

type scimPatch struct {
	Schemas    []string             `json:"schemas"`
	Operations []scimPatchOperation `json:"Operations"`
}

func newPatch(ops ...scimPatchOperation) *scimPatch {
	return &scimPatch{Schemas: []string{scimPatchOpSchema}, Operations: ops}
}

func parseScimUser(userObject map[string]any) (result *TargetUser) {
	var ok bool
	var userId, userName string
	if userId, ok = toString(userObject["id"]); ok {
		userName, ok = toString(userObject["userName"])
	}
	if !ok {
		return
	}
	result = &TargetUser{
		Id:       userId,
		UserName: userName,
		Teams:    NewSet[string](),
	}
	result.Active, _ = toBoolean(userObject["active"])
	result.ExternalId, _ = toString(userObject["externalId"])
	result.DisplayName, _ = toString(userObject["displayName"])
	var j any
	var jo map[string]any
	if j = userObject["name"]; j != nil {
		if jo, ok = j.(map[string]any); ok {
			result.FirstName, _ = toString(jo["givenName"])
			result.LastName, _ = toString(jo["familyName"])
		}
	}
	if j = userObject["emails"]; j != nil {
		var ja []any
		if ja, ok = j.([]any); ok {
			for _, j = range ja {
				if jo, ok = j.(map[string]any); ok {
					var email string
					if email, ok = toString(jo["value"]); !ok {
						continue
					}
					var primary, _ = toBoolean(jo["primary"])
					if primary || len(result.Email) == 0 {
						result.Email = email
					}
				}
			}
		}
	}
	if len(result.Email) > 0 {
		result.Key = IdentityKey(result.Email)
	} else {
		result.Key = IdentityKey(userName)
	}
	return
}

type parsedGroup struct {
	team      *TargetTeam
	memberIds []string
}

func parseScimGroup(groupObject map[string]any) (result *parsedGroup) {
	var ok bool
	var id, name string
	if id, ok = toString(groupObject["id"]); ok {
		name, ok = toString(groupObject["displayName"])
	}
	if !ok {
		return
	}
	result = &parsedGroup{
		team: &TargetTeam{Id: id, Name: name, Members: NewSet[string]()},
	}
	if ja, ok := groupObject["members"].([]any); ok {
		for _, j := range ja {
			if jo, ok := j.(map[string]any); ok {
				if memberId, ok := toString(jo["value"]); ok {
					result.memberIds = append(result.memberIds, memberId)
				}
			}
		}
	}
	return
}

// FetchTargetState reads all SCIM users and groups. Group members are translated
// from SCIM user ids to identity keys; members that are not users are ignored.
func (s *ScimEndpoint) FetchTargetState(ctx context.Context) (state *TargetState, err error) {
	state = new(TargetState)
	var usersById = make(map[string]*TargetUser)
	if err = s.getResources(ctx, "Users", func(ro map[string]any) {
		if user := parseScimUser(ro); user != nil {
			usersById[user.Id] = user
			state.Users = append(state.Users, user)
		}
	}); err != nil {
		return nil, err
	}

	if err = s.getResources(ctx, "Groups", func(ro map[string]any) {
		var g = parseScimGroup(ro)
		if g == nil {
			return
		}
		for _, memberId := range g.memberIds {
			if u, ok := usersById[memberId]; ok {
				g.team.Members.Add(u.Key)
				u.Teams.Add(g.team.Name)
			} else {
				s.logger.Debug().Str("team", g.team.Name).Str("member", memberId).Msg("ignoring unknown SCIM group member")
			}
		}
		state.Teams = append(state.Teams, g.team)
	}); err != nil {
		return nil, err
	}
	return
}

// ApplyOperation translates a planned operation into a SCIM request.
func (s *ScimEndpoint) ApplyOperation(ctx context.Context, op *Operation) (result *ApplyResult, err error) {
	var resource map[string]any
	switch op.Kind {
	case CreateUser:
		if op.User == nil {
			return nil, fmt.Errorf("%s: missing user payload", op.Description())
		}
		if resource, err = s.postResource(ctx, "Users", userResource(op.User)); err != nil {
			return
		}
		result = new(ApplyResult)
		result.Id, _ = toString(resource["id"])

	case UpdateUser:
		err = s.patchResource(ctx, "Users", op.UserId, userPatch(op.Patch))

	case SuspendUser:
		err = s.patchResource(ctx, "Users", op.UserId,
			newPatch(scimPatchOperation{Op: "replace", Path: "active", Value: false}))

	case DeleteUser:
		err = s.deleteResource(ctx, "Users", op.UserId)

	case CreateTeam:
		var group = &scimGroupResource{
			Schemas:     []string{scimGroupSchema},
			DisplayName: op.Team,
		}
		for _, id := range op.MemberIds {
			group.Members = append(group.Members, scimMember{Value: id})
		}
		if resource, err = s.postResource(ctx, "Groups", group); err != nil {
			return
		}
		result = new(ApplyResult)
		result.Id, _ = toString(resource["id"])

	case AddTeamMember:
		err = s.patchResource(ctx, "Groups", op.TeamId, newPatch(scimPatchOperation{
			Op:    "add",
			Path:  "members",
			Value: []scimMember{{Value: op.UserId}},
		}))

	case RemoveTeamMember:
		err = s.patchResource(ctx, "Groups", op.TeamId, newPatch(scimPatchOperation{
			Op:   "remove",
			Path: fmt.Sprintf("members[value eq \"%s\"]", op.UserId),
		}))

	default:
		err = fmt.Errorf("unsupported operation %s", op.Kind)
	}
	return
}

func userResource(u *UserAttributes) *scimUserResource {
	return &scimUserResource{
		Schemas:     []string{scimUserSchema},
		UserName:    u.UserName,
		ExternalId:  u.ExternalId,
		DisplayName: u.DisplayName,
		Name: scimName{
			GivenName:  u.FirstName,
			FamilyName: u.LastName,
			Formatted:  u.DisplayName,
		},
		Emails: []scimEmail{{Value: u.Email, Primary: true, Type: "work"}},
		Active: u.Active,
	}
}

func userPatch(p *UserPatch) *scimPatch {
	var patch = newPatch()
	var replace = func(path string, value any) {
		patch.Operations = append(patch.Operations, scimPatchOperation{Op: "replace", Path: path, Value: value})
	}
	if p.UserName != nil {
		replace("userName", *p.UserName)
	}
	if p.Email != nil {
		replace("emails", []scimEmail{{Value: *p.Email, Primary: true, Type: "work"}})
	}
	if p.DisplayName != nil {
		replace("displayName", *p.DisplayName)
	}
	if p.FirstName != nil {
		replace("name.givenName", *p.FirstName)
	}
	if p.LastName != nil {
		replace("name.familyName", *p.LastName)
	}
	if p.Active != nil {
		replace("active", *p.Active)
	}
	return patch
}

func (s *ScimEndpoint) composeUrl(paths ...string) (result *url.URL, err error) {
	var uri *url.URL
	if uri, err = url.Parse(s.baseUrl); err != nil {
		return
	}
	var ruri *url.URL
	for _, path := range paths {
		if ruri, err = url.Parse(url.PathEscape(path)); err != nil {
			return
		}
		if !strings.HasSuffix(uri.Path, "/") {
			uri.Path += "/"
		}
		uri = uri.ResolveReference(ruri)
	}

	result = uri
	return
}

func (s *ScimEndpoint) executeRequest(ctx context.Context, rq *http.Request) (response map[string]any, err error) {
	var resource = rq.URL.Path
	if base, er1 := url.Parse(s.baseUrl); er1 == nil {
		resource = strings.Trim(strings.TrimPrefix(resource, base.Path), "/")
	}
	if s.limiter != nil {
		if err = s.limiter.Wait(ctx); err != nil {
			return
		}
	}
	rq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))
	rq.Header.Set("Accept", "application/scim+json, application/json")

	var rs *http.Response
	if rs, err = s.client.Do(rq.WithContext(ctx)); err != nil {
		err = &ScimError{Method: rq.Method, Resource: resource, Cause: err}
		return
	}
	defer rs.Body.Close()

	var body []byte
	var contentType = rs.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/") {
		if body, err = io.ReadAll(rs.Body); err != nil {
			err = &ScimError{Method: rq.Method, Resource: resource, Cause: err}
			return
		}
	}
	if rs.StatusCode >= 300 {
		err = &ScimError{Method: rq.Method, Resource: resource, StatusCode: rs.StatusCode, Detail: string(body)}
		return
	}
	if (rs.StatusCode == http.StatusOK || rs.StatusCode == http.StatusCreated) && len(body) > 0 {
		err = json.Unmarshal(body, &response)
	}
	return
}

func (s *ScimEndpoint) sendJson(ctx context.Context, method string, uri *url.URL, payload any) (resource map[string]any, err error) {
	var data []byte
	if data, err = json.Marshal(payload); err != nil {
		return
	}
	var rq *http.Request
	if rq, err = http.NewRequestWithContext(ctx, method, uri.String(), bytes.NewBuffer(data)); err != nil {
		return
	}
	rq.Header.Set("Content-Type", "application/scim+json")
	resource, err = s.executeRequest(ctx, rq)
	return
}

func (s *ScimEndpoint) patchResource(ctx context.Context, resourceType string, resourceId string, payload any) (err error) {
	var uri *url.URL
	if uri, err = s.composeUrl(resourceType, resourceId); err != nil {
		return
	}
	_, err = s.sendJson(ctx, http.MethodPatch, uri, payload)
	return
}

func (s *ScimEndpoint) postResource(ctx context.Context, resourceType string, payload any) (resource map[string]any, err error) {
	var uri *url.URL
	if uri, err = s.composeUrl(resourceType); err != nil {
		return
	}
	resource, err = s.sendJson(ctx, http.MethodPost, uri, payload)
	return
}

func (s *ScimEndpoint) deleteResource(ctx context.Context, resourceType string, resourceId string) (err error) {
	var uri *url.URL
	if uri, err = s.composeUrl(resourceType, resourceId); err != nil {
		return
	}

	var rq *http.Request
	if rq, err = http.NewRequestWithContext(ctx, http.MethodDelete, uri.String(), nil); err != nil {
		return
	}
	_, err = s.executeRequest(ctx, rq)
	return
}

func (s *ScimEndpoint) getResources(ctx context.Context, resourceType string, cb func(map[string]any)) (err error) {
	var uri *url.URL
	if uri, err = s.composeUrl(resourceType); err != nil {
		return
	}

	var startIndex int64 = 1
	for page := 0; ; page++ {
		if page >= scimMaxPages {
			err = fmt.Errorf("get SCIM resource \"%s\" canceled: too many pages", resourceType)
			return
		}
		var ruri = *uri
		var query = ruri.Query()
		query.Set("startIndex", strconv.FormatInt(startIndex, 10))
		query.Set("count", strconv.Itoa(scimPageSize))
		ruri.RawQuery = query.Encode()

		var rq *http.Request
		if rq, err = http.NewRequestWithContext(ctx, http.MethodGet, ruri.String(), nil); err != nil {
			return
		}

		var jo map[string]any
		if jo, err = s.executeRequest(ctx, rq); err != nil {
			return
		}
		var received int64
		if jr, ok := jo["Resources"].([]any); ok {
			for _, j := range jr {
				if jor, ok := j.(map[string]any); ok {
					cb(jor)
				}
			}
			received = int64(len(jr))
		}
		var ok bool
		var itemsPerPage, totalResults int64
		if totalResults, ok = toInt64(jo["totalResults"]); !ok {
			err = fmt.Errorf("response does not conform to SCIM specification: missing \"totalResults\"")
			return
		}
		if itemsPerPage, ok = toInt64(jo["itemsPerPage"]); !ok {
			itemsPerPage = received
		}
		if returnedIndex, ok := toInt64(jo["startIndex"]); ok {
			startIndex = returnedIndex
		}
		if itemsPerPage <= 0 {
			return
		}
		startIndex += itemsPerPage
		if startIndex > totalResults {
			return
		}
	}
}
