package scim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	fields   map[string]string
	custom   map[string][]map[string]interface{}
	password string
}

func (r *fakeRecord) GetFieldValueByType(fieldType string) string {
	return r.fields[fieldType]
}

func (r *fakeRecord) GetCustomFieldsByLabel(fieldLabel string) []map[string]interface{} {
	return r.custom[fieldLabel]
}

func (r *fakeRecord) Password() string {
	return r.password
}

func customField(label string, values ...any) []map[string]interface{} {
	return []map[string]interface{}{{"label": label, "type": "text", "value": values}}
}

func newFakeRecord() *fakeRecord {
	return &fakeRecord{
		fields: map[string]string{
			"login": "admin@example.com",
			"url":   "https://keepersecurity.com/api/rest/scim/v2/1234",
		},
		custom: map[string][]map[string]interface{}{
			"SCIM Group": customField("SCIM Group", "Engineering, Sales"),
		},
		password: "token",
	}
}

func TestLoadScimParameters(t *testing.T) {
	record := newFakeRecord()
	record.custom["SCIM Groups"] = customField("SCIM Groups", "Support")
	record.custom["Dry Run"] = customField("Dry Run", "true")
	record.custom["Destructive"] = customField("Destructive", "1")
	record.custom["Group Filter"] = customField("Group Filter", "eng*\nsupport*")
	record.custom["Username Suffix"] = customField("Username Suffix", " acme ")
	record.custom["Individual Users"] = customField("Individual Users", "ceo@example.com")
	record.custom["Verbose"] = customField("Verbose", "yes")
	record.custom["Slug Team Names"] = customField("Slug Team Names", "true")

	ka, gcp, run, err := loadScimParameters(record, []byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "https://keepersecurity.com/api/rest/scim/v2/1234", ka.Url)
	assert.Equal(t, "token", ka.Token)
	assert.Equal(t, "admin@example.com", gcp.AdminAccount)
	assert.Equal(t, []byte("{}"), gcp.Credentials)
	assert.Equal(t, []string{"Engineering", "Sales", "Support"}, gcp.ScimGroups)

	assert.Equal(t, gcp.ScimGroups, run.GroupNames)
	assert.True(t, run.DryRun)
	assert.True(t, run.DeleteSuspended)
	assert.True(t, run.CreateTeams)
	assert.Equal(t, []string{"eng*", "support*"}, run.GroupFilter)
	assert.Equal(t, "acme", run.UsernameSuffix)
	assert.True(t, run.SlugTeamNames)
	assert.Equal(t, []string{"ceo@example.com"}, run.IndividualUsers)
	assert.True(t, IsVerbose(record))
}

func TestLoadScimParametersDefaults(t *testing.T) {
	ka, _, run, err := loadScimParameters(newFakeRecord(), []byte("{}"))
	require.NoError(t, err)
	assert.NotNil(t, ka)
	assert.False(t, run.DryRun)
	assert.False(t, run.DeleteSuspended)
	assert.Empty(t, run.GroupFilter)
	assert.False(t, run.SlugTeamNames)
	assert.False(t, IsVerbose(newFakeRecord()))
}

func TestLoadScimParametersErrors(t *testing.T) {
	t.Run("missing groups", func(t *testing.T) {
		record := newFakeRecord()
		delete(record.custom, "SCIM Group")
		_, _, _, err := loadScimParameters(record, nil)
		assert.ErrorContains(t, err, "SCIM Group")
	})

	t.Run("not a scim url", func(t *testing.T) {
		record := newFakeRecord()
		record.fields["url"] = "https://keepersecurity.com/vault"
		_, _, _, err := loadScimParameters(record, nil)
		assert.Error(t, err)
	})

	t.Run("destructive is not a number", func(t *testing.T) {
		record := newFakeRecord()
		record.custom["Destructive"] = customField("Destructive", "always")
		_, _, _, err := loadScimParameters(record, nil)
		assert.ErrorContains(t, err, "Destructive")
	})
}

func TestIsScimUrl(t *testing.T) {
	assert.True(t, IsScimUrl("https://keepersecurity.eu/api/rest/scim/v2/987"))
	assert.False(t, IsScimUrl("https://keepersecurity.eu/api/rest/other"))
	assert.False(t, IsScimUrl(""))
	assert.False(t, IsScimUrl("://bad"))
}
