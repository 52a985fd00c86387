package classify

import "regexp"

type senderRule struct {
	match    string
	platform string
}

type senderPattern struct {
	re       *regexp.Regexp
	platform string
}

type keywordGroup struct {
	kind     string
	keywords []string
}

type urlShape struct {
	platform string
	re       *regexp.Regexp
}

// Table order is match priority. Do not sort.
var senderRules = []senderRule{
	{"noreply@tradingview.com", "tradingview"},
	{"noreply@medium.com", "medium"},
	{"hello@substack.com", "substack"},
	{"notify@dev.to", "devto"},
	{"noreply@hashnode.com", "hashnode"},
	{"no-reply@blogger.com", "blogger"},
	{"contact@hackernoon.com", "hackernoon"},
	{"messages-noreply@linkedin.com", "linkedin"},
	{"noreply@discordapp.com", "discord"},
	{"noreply@youtube.com", "youtube"},
	{"noreply@redditmail.com", "reddit"},
	{"notifications@github.com", "github"},
	{"notification@facebookmail.com", "facebook"},
	{"notify@x.com", "x"},
	{"security@mail.instagram.com", "instagram"},
	{"buttondown", "buttondown"},
}

var senderPatterns = []senderPattern{
	{regexp.MustCompile(`(?i).*@mail\.tradingview\.com`), "tradingview"},
	{regexp.MustCompile(`(?i).*@email\.medium\.com`), "medium"},
	{regexp.MustCompile(`(?i).*substack.*`), "substack"},
	{regexp.MustCompile(`(?i).*linkedin\.com`), "linkedin"},
	{regexp.MustCompile(`(?i).*discord(app)?\.com`), "discord"},
	{regexp.MustCompile(`(?i).*youtube\.com`), "youtube"},
	{regexp.MustCompile(`(?i).*reddit.*`), "reddit"},
	{regexp.MustCompile(`(?i).*github\.com`), "github"},
	{regexp.MustCompile(`(?i).*facebook.*`), "facebook"},
	{regexp.MustCompile(`(?i).*@(x|twitter)\.com`), "x"},
	{regexp.MustCompile(`(?i).*buttondown.*`), "buttondown"},
	{regexp.MustCompile(`(?i).*instagram\.com`), "instagram"},
	{regexp.MustCompile(`(?i).*hashnode.*`), "hashnode"},
}

var keywordGroups = []keywordGroup{
	{"comment", []string{"comment", "commented", "left a comment", "new comment"}},
	{"reply", []string{"reply", "replied", "response", "responded"}},
	{"mention", []string{"mention", "mentioned", "tagged"}},
	{"like", []string{"like", "liked", "reaction", "reacted", "upvote"}},
	{"follow", []string{"follow", "following", "new follower", "subscribed"}},
	{"dm", []string{"direct message", "dm", "private message", "sent you a message"}},
	{"share", []string{"share", "shared", "repost", "reposted"}},
}

var urlShapes = []urlShape{
	{"tradingview", regexp.MustCompile(`(?i)tradingview\.com/(chart|i)/`)},
	{"medium", regexp.MustCompile(`(?i)medium\.com/.+/[a-z0-9-]+`)},
	{"substack", regexp.MustCompile(`(?i)substack\.com/p/`)},
	{"linkedin", regexp.MustCompile(`(?i)linkedin\.com/(posts|feed/update)/`)},
	{"youtube", regexp.MustCompile(`(?i)youtube\.com/watch\?v=|youtu\.be/`)},
	{"reddit", regexp.MustCompile(`(?i)reddit\.com/r/.+/comments/`)},
	{"devto", regexp.MustCompile(`(?i)dev\.to/.+/[a-z0-9-]+`)},
	{"github", regexp.MustCompile(`(?i)github\.com/.+/(issues|discussions|pull)/`)},
}

// Links containing any of these are account housekeeping, not content.
var housekeepingTerms = []string{"unsubscribe", "settings", "manage", "preferences"}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)
