// Package permissions implements the gateway's rule-based permission engine.
//
// A Config holds an ordered list of rules mapping user groups to allowed
// tools, project patterns, a severity ceiling and a read-only flag. The
// Engine picks the highest-priority rule matching the user's groups and
// decides every action with that rule alone; without a matching rule every
// action is denied. Denials are returned as *Denial values carrying a
// machine-readable code, a type and structured context.
//
// Example config:
//
//	rules:
//	  - groups: [platform-admins]
//	    priority: 100
//	    allowedProjects: [".*"]
//	    allowedTools: ["*"]
//	  - groups: [developers]
//	    allowedProjects: ["^team-a-"]
//	    allowedTools: [search_issues, get_issue, change_issue_status]
//	    maxSeverity: MAJOR
//	  - allowedProjects: []
//	    allowedTools: [list_projects]
//	    readonly: true
//	    hideSensitiveData: true
package permissions
