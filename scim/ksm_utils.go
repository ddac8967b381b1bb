package scim

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	ksm "github.com/keeper-security/secrets-manager-go/core"
)

const (
	credentialsFileName = "credentials.json"
	scimPathPrefix      = "/api/rest/scim/v2/"
)

// recordFields is the part of a KSM record the parameter loader reads.
type recordFields interface {
	GetFieldValueByType(fieldType string) string
	GetCustomFieldsByLabel(fieldLabel string) []map[string]interface{}
	Password() string
}

// FindScimRecord returns the first login record pointing to a Keeper SCIM endpoint
// that carries a Google service account key.
func FindScimRecord(records []*ksm.Record) (scimRecord *ksm.Record) {
	for _, r := range records {
		if r.Type() != "login" {
			continue
		}
		if !IsScimUrl(r.GetFieldValueByType("url")) {
			continue
		}
		if len(r.FindFiles(credentialsFileName)) == 0 {
			continue
		}
		scimRecord = r
		break
	}
	return
}

// IsScimUrl reports whether webUrl points to the Keeper SCIM REST API.
func IsScimUrl(webUrl string) bool {
	if len(webUrl) == 0 {
		return false
	}
	var uri, err = url.Parse(webUrl)
	if err != nil {
		return false
	}
	return strings.HasPrefix(uri.Path, scimPathPrefix)
}

// LoadScimParametersFromRecord reads endpoint parameters and synchronization settings
// from a KSM record. The record must carry the service account key as a file named
// credentials.json.
func LoadScimParametersFromRecord(scimRecord *ksm.Record) (ka *ScimEndpointParameters, gcp *GoogleEndpointParameters, run *RunConfig, err error) {
	var files = scimRecord.FindFiles(credentialsFileName)
	if len(files) == 0 {
		err = errors.New("\"credentials.json\" file is not attached to the SCIM record")
		return
	}
	var credentials = files[0].GetFileData()
	if len(credentials) == 0 {
		err = errors.New("\"credentials.json\" file could not be downloaded")
		return
	}
	return loadScimParameters(scimRecord, credentials)
}

func loadScimParameters(record recordFields, credentials []byte) (ka *ScimEndpointParameters, gcp *GoogleEndpointParameters, run *RunConfig, err error) {
	var scimGroups []string
	for _, label := range []string{"SCIM Group", "SCIM Groups"} {
		if fields := record.GetCustomFieldsByLabel(label); len(fields) > 0 {
			scimGroups = append(scimGroups, ParseScimGroups(fields)...)
		}
	}
	if len(scimGroups) == 0 {
		err = errors.New("\"SCIM Group\" custom field is missing or does not contain any value")
		return
	}

	gcp = &GoogleEndpointParameters{
		AdminAccount: record.GetFieldValueByType("login"),
		Credentials:  credentials,
		ScimGroups:   scimGroups,
	}

	ka = &ScimEndpointParameters{
		Url:   record.GetFieldValueByType("url"),
		Token: record.Password(),
	}
	if !IsScimUrl(ka.Url) {
		err = errors.New("SCIM record URL does not point to a Keeper SCIM endpoint")
		return
	}

	var cfg = DefaultRunConfig()
	cfg.GroupNames = scimGroups

	var ok bool
	var bv bool
	var fields = record.GetCustomFieldsByLabel("Dry Run")
	if len(fields) > 0 {
		if bv, ok = toBoolean(fields[0]["value"]); ok {
			cfg.DryRun = bv
		}
	}

	fields = record.GetCustomFieldsByLabel("Destructive")
	if len(fields) > 0 {
		var sv string
		if sv, ok = toString(fields[0]["value"]); ok && len(strings.TrimSpace(sv)) > 0 {
			if iv, er1 := strconv.Atoi(strings.TrimSpace(sv)); er1 == nil {
				// 0: suspend only, 1 and above: also delete users already suspended
				cfg.DeleteSuspended = iv > 0
			} else {
				err = errors.New("\"Destructive\" custom field must be a number")
				return
			}
		}
	}

	if fields = record.GetCustomFieldsByLabel("Group Filter"); len(fields) > 0 {
		cfg.GroupFilter = ParseScimGroups(fields)
	}

	fields = record.GetCustomFieldsByLabel("Username Suffix")
	if len(fields) > 0 {
		var sv string
		if sv, ok = toString(fields[0]["value"]); ok {
			cfg.UsernameSuffix = strings.TrimSpace(sv)
		}
	}

	if fields = record.GetCustomFieldsByLabel("Slug Team Names"); len(fields) > 0 {
		if bv, ok = toBoolean(fields[0]["value"]); ok {
			cfg.SlugTeamNames = bv
		}
	}

	if fields = record.GetCustomFieldsByLabel("Individual Users"); len(fields) > 0 {
		cfg.IndividualUsers = ParseScimGroups(fields)
	}

	run = &cfg
	return
}

// IsVerbose reads the "Verbose" custom field of the record.
func IsVerbose(record recordFields) (verbose bool) {
	if fields := record.GetCustomFieldsByLabel("Verbose"); len(fields) > 0 {
		verbose, _ = toBoolean(fields[0]["value"])
	}
	return
}
