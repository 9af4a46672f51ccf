// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forbidden

// PatternVersion tracks the rule table version.
const PatternVersion = "2025.12"

// protectedRef matches a protected branch name as a whole refspec token.
const protectedRef = `(^|[\s:+/])(main|master|release[\w./-]*|prod[\w./-]*)(\s|$|:)`

// Short options may be bundled ("-uf", "-Df"), so a flag letter is matched
// anywhere inside a single-dash cluster. Inputs are lower-cased, which folds
// -D into -d.
const (
	forceFlag  = `(\s--force(-with-lease|-if-includes)?(=\S*)?(\s|$)|\s-[a-z]*f[a-z]*(\s|$)|\s\+\S)`
	deleteFlag = `(\s--delete(\s|$)|\s-[a-z]*d[a-z]*(\s|$))`
)

var commandFields = []Field{FieldTarget, FieldParam, FieldCommand}

// identityFields are the fields that name what an action touches, as
// opposed to free-form content such as file bodies or commit messages.
var identityFields = []Field{FieldKind, FieldCapability, FieldTarget, FieldPath}

// rules is evaluated in order. Inputs are lower-cased before matching.
var rules = []Descriptor{
	{
		Name:   "forbidden_kind",
		Reason: "action kind is never automated",
		Exact: []string{
			"repository.delete", "repo.delete",
			"database.drop", "database.truncate",
			"branch.force_push", "branch.delete_protected",
			"secrets.read", "secrets.write", "credentials.read", "credentials.write",
			"trust.modify", "trust.escalate", "forbidden.modify",
			"payment.execute", "billing.modify",
		},
		Scope: []Field{FieldKind, FieldCapability},
	},
	{
		Name:   "force_push_protected",
		Reason: "force push to a protected branch",
		All: []string{
			`\bgit\b.*\bpush\b`,
			forceFlag,
			protectedRef,
		},
		Scope: commandFields,
	},
	{
		Name:   "mirror_push",
		Reason: "push that can overwrite or delete every remote branch",
		All: []string{
			`\bgit\b.*\bpush\b`,
			`\s--(mirror|prune)(\s|$)`,
		},
		Scope: commandFields,
	},
	{
		Name:   "force_push_all",
		Reason: "force push of every local branch",
		All: []string{
			`\bgit\b.*\bpush\b`,
			forceFlag,
			`\s--(all|branches)(\s|$)`,
		},
		Scope: commandFields,
	},
	{
		Name:   "delete_protected_branch",
		Reason: "deleting a protected branch",
		All: []string{
			`\bgit\b.*\bbranch\b`,
			deleteFlag,
			protectedRef,
		},
		Scope: commandFields,
	},
	{
		Name:   "delete_protected_remote_branch",
		Reason: "deleting a protected branch on a remote",
		All: []string{
			`\bgit\b.*\bpush\b`,
			`(` + deleteFlag + `|\s:\S)`,
			protectedRef,
		},
		Scope: commandFields,
	},
	{
		Name:   "history_rewrite",
		Reason: "rewriting repository history",
		All:    []string{`\b(filter-branch|filter-repo|reflog\s+expire)\b`},
		Scope:  commandFields,
	},
	{
		Name:   "recursive_force_remove",
		Reason: "recursive forced removal",
		All: []string{
			`\brm\s`,
			`\s(-[a-z]*r[a-z]*|--recursive)(\s|$)`,
			`\s(-[a-z]*f[a-z]*|--force)(\s|$)`,
		},
		Scope:  commandFields,
	},
	{
		Name:   "sql_drop",
		Reason: "dropping a database object",
		All:    []string{`\bdrop\s+(table|database|schema)\b`},
		Scope:  commandFields,
	},
	{
		Name:   "sql_truncate",
		Reason: "truncating a table",
		All:    []string{`\btruncate\s+(table\s+)?[\w."]+`},
		Scope:  commandFields,
	},
	{
		Name:   "sql_delete_without_where",
		Reason: "DELETE without a WHERE clause",
		All:    []string{`\bdelete\s+from\b`},
		None:   []string{`\bwhere\b`},
		Scope:  commandFields,
	},
	{
		Name:   "secret_material",
		Reason: "touching secrets or key material",
		All: []string{
			`((^|/)\.(env(\.[\w-]+)?|ssh|aws|gnupg|netrc|npmrc|pgpass)(/|$)|\.(pem|key|p12|pfx|keystore|jks)$|(^|/)id_(rsa|dsa|ecdsa|ed25519)(\.pub)?$)`,
		},
		Scope: identityFields,
	},
	{
		Name:   "sensitive_domain",
		Reason: "touching credentials, vault, payment or billing systems",
		All:    []string{`(^|[/._:\s-])(secrets?|credentials?|vault|payments?|billing|stripe)([/._:\s-]|$)`},
		Scope:  identityFields,
	},
}
