package router

import "strings"

// SplitTargetFromUsername extracts a routing key embedded in a
// client-presented username, for protocols whose wire format offers no
// separate target field (a PostgreSQL "options" string convention,
// historically used as "{target}..{realuser}" or "{target}__{realuser}").
// The extracted username is for audit display only — it is never forwarded
// to a backend or used to authenticate, per the backend's Kerberos-only
// auth model.
func SplitTargetFromUsername(username string) (target, realUser string, ok bool) {
	if idx := strings.Index(username, ".."); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	if idx := strings.Index(username, "__"); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	return "", username, false
}
