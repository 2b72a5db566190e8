package permissions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_YAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
rules:
  - groups: [admins]
    priority: 100
    allowedProjects: [".*"]
    allowedTools: ["*"]
  - allowedProjects: ["^public-"]
    allowedTools: [search_issues]
    deniedTools: [delete_project]
    readonly: true
    maxSeverity: MAJOR
    hideSensitiveData: true
writeTools: [change_issue_status]
`))
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 2)

	assert.Equal(t, []string{"admins"}, cfg.Rules[0].Groups)
	require.NotNil(t, cfg.Rules[0].Priority)
	assert.Equal(t, 100, *cfg.Rules[0].Priority)
	assert.Nil(t, cfg.Rules[1].Priority)
	assert.True(t, cfg.Rules[1].Readonly)
	assert.Equal(t, SeverityMajor, cfg.Rules[1].MaxSeverity)
	assert.Equal(t, []string{"change_issue_status"}, cfg.WriteTools)
}

func TestParseConfig_JSON(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
  "rules": [
    {"groups": ["dev"], "allowedProjects": ["team-a"], "allowedTools": ["get_issue"], "readonly": false}
  ]
}`))
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, []string{"team-a"}, cfg.Rules[0].AllowedProjects)
}

func TestParseConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "not a mapping",
			doc:     `- a`,
			wantErr: "must be a mapping",
		},
		{
			name:    "rules not an array",
			doc:     `rules: {}`,
			wantErr: "'rules' must be an array",
		},
		{
			name:    "allowedProjects not an array",
			doc:     "rules:\n  - allowedProjects: \".*\"\n    allowedTools: []",
			wantErr: "rules[0].allowedProjects must be an array",
		},
		{
			name:    "allowedTools not an array",
			doc:     "rules:\n  - allowedProjects: []\n    allowedTools: get_issue",
			wantErr: "rules[0].allowedTools must be an array",
		},
		{
			name:    "readonly not a boolean",
			doc:     "rules:\n  - allowedProjects: []\n    allowedTools: []\n    readonly: \"yes\"",
			wantErr: "rules[0].readonly must be a boolean",
		},
		{
			name:    "priority not an integer",
			doc:     "rules:\n  - allowedProjects: []\n    allowedTools: []\n    priority: 1.5",
			wantErr: "rules[0].priority must be an integer",
		},
		{
			name:    "bad regex",
			doc:     "rules:\n  - allowedProjects: [\"([\"]\n    allowedTools: []",
			wantErr: "rules[0].allowedProjects[0]: invalid pattern",
		},
		{
			name:    "unknown severity",
			doc:     "rules:\n  - allowedProjects: []\n    allowedTools: []\n    maxSeverity: HUGE",
			wantErr: "unknown severity",
		},
		{
			name:    "missing allowedTools",
			doc:     "rules:\n  - allowedProjects: []",
			wantErr: "rules[0].allowedTools is required",
		},
		{
			name:    "unknown rule field",
			doc:     "rules:\n  - allowedProjects: []\n    allowedTools: []\n    alowedTools: []",
			wantErr: "rules[0].alowedTools: unknown field",
		},
		{
			name:    "non-string array element",
			doc:     "rules:\n  - allowedProjects: []\n    allowedTools: [1]",
			wantErr: "rules[0].allowedTools[0] must be a string",
		},
		{
			name:    "invalid yaml",
			doc:     "rules: [",
			wantErr: "failed to parse permission config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - allowedProjects: []\n    allowedTools: [\"*\"]\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 1)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
