// Package relay implements the per-request proxy core.
//
// Every request under /{site}/ (or under one of a site's asset paths) walks
// the same sequence:
//
//	resolve session -> check banned -> check quota (downloads) ->
//	select credentials -> build upstream request -> execute ->
//	rewrite redirect | rewrite body -> respond
//
// Any failure along the way is converted exactly once, in writeFailure, into
// a redirect, a 403, or a 5xx with a short message. Raw upstream or
// collaborator errors only reach clients when debug errors are enabled.
package relay
