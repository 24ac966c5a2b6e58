// Package tagmap implements the pure, deterministic bidirectional
// translation between local index tags and the pair (JMAP keyword set,
// JMAP mailbox-id set), parameterized by user config and mailbox role
// data (spec.md §4.3).
package tagmap

import (
	"strings"

	"mujmap/internal/message"
)

// Config is the parsed [tags] table from mujmap.toml.
type Config struct {
	// RoleTag maps a well-known mailbox role to the local tag name that
	// mirrors membership in it. An empty string means "do not
	// synchronize this role or its descendants".
	RoleTag map[message.Role]string

	// KeywordTag maps an IANA keyword to the local tag name it mirrors.
	// Only phishing/important/spam are expected keys; an empty string
	// means "do not synchronize this keyword".
	KeywordTag map[message.Keyword]string

	// Lowercase folds generic mailbox names before joining them into a
	// tag.
	Lowercase bool

	// DirectorySeparator joins a mailbox's ancestor path into one tag.
	DirectorySeparator string

	// AutoCreateMailboxes permits the push stage to create a mailbox
	// when a local tag maps to no existing one.
	AutoCreateMailboxes bool
}

// DefaultConfig matches the documented defaults in spec.md §6.
func DefaultConfig() Config {
	return Config{
		RoleTag: map[message.Role]string{
			message.RoleInbox:     "inbox",
			message.RoleSent:      "sent",
			message.RoleTrash:     "deleted",
			message.RoleArchive:   "archive",
			message.RoleDrafts:    "draft",
			message.RoleJunk:      "spam",
			message.RoleImportant: "important",
		},
		KeywordTag: map[message.Keyword]string{
			message.KeywordPhishing:  "phishing",
			message.KeywordImportant: "important",
			message.KeywordJunk:      "spam",
		},
		Lowercase:           false,
		DirectorySeparator:  "/",
		AutoCreateMailboxes: true,
	}
}

// junkMailboxExists reports whether any mailbox in the account carries the
// Junk role, making that mailbox the sole source of truth for spam on pull
// (spec.md §4.3's spam reconciliation policy).
func junkMailboxExists(mailboxes map[message.MailboxID]message.Mailbox) (message.MailboxID, bool) {
	for id, mb := range mailboxes {
		if mb.Role == message.RoleJunk {
			return id, true
		}
	}
	return "", false
}

func importantMailbox(mailboxes map[message.MailboxID]message.Mailbox) (message.MailboxID, bool) {
	for id, mb := range mailboxes {
		if mb.Role == message.RoleImportant {
			return id, true
		}
	}
	return "", false
}

// roleMailboxTag returns the configured tag name for mb's role if mb has
// one of the five single-instance roles mujmap treats specially: Inbox,
// Sent, Trash, Archive, Drafts. Junk and Important are handled by the dual
// source-of-truth reconciliation below, not here.
func roleMailboxTag(role message.Role, cfg Config) (string, bool) {
	switch role {
	case message.RoleInbox, message.RoleSent, message.RoleTrash, message.RoleArchive, message.RoleDrafts:
		tag, ok := cfg.RoleTag[role]
		return tag, ok && tag != ""
	default:
		return "", false
	}
}

// MailboxTag computes the local tag name for mailbox mb, or ok=false if
// this mailbox (or an ancestor) is configured to be ignored or carries a
// role outside the seven the mapper knows. Generic
// (non-role) mailboxes are named by the path of their ancestors' names
// joined by cfg.DirectorySeparator, per spec.md §4.3's mailbox tree
// naming rule.
func MailboxTag(mb message.Mailbox, byID map[message.MailboxID]message.Mailbox, cfg Config) (string, bool) {
	if tag, ok := roleMailboxTag(mb.Role, cfg); ok {
		return tag, true
	}
	if mb.Role == message.RoleTrash || mb.Role == message.RoleInbox || mb.Role == message.RoleSent ||
		mb.Role == message.RoleArchive || mb.Role == message.RoleDrafts {
		// Role is recognized but its tag is configured empty: ignore
		// this mailbox and (by construction of the ancestor walk
		// below) anything nested under it.
		return "", false
	}
	// Junk/Important mailboxes fold into their dual-source tags rather
	// than into the generic path naming.
	if mb.Role == message.RoleJunk {
		tag := cfg.RoleTag[message.RoleJunk]
		return tag, tag != ""
	}
	if mb.Role == message.RoleImportant {
		tag := cfg.RoleTag[message.RoleImportant]
		return tag, tag != ""
	}

	var parts []string
	cur := mb
	for {
		if roleTag, ok := roleMailboxTag(cur.Role, cfg); ok {
			// A role-bound ancestor folds its own tag name in as
			// the root of the path instead of its raw mailbox
			// name, so e.g. a folder under Archive tags as
			// "archive/Projects" rather than "Archive/Projects".
			parts = append([]string{roleTag}, parts...)
			break
		}
		if cur.Role != "" && cur.Role != message.RoleJunk && cur.Role != message.RoleImportant {
			// Any other role on this mailbox or an ancestor (one of
			// the five with an empty tag, or a role outside them,
			// such as All) means the whole subtree is ignored.
			if _, recognized := roleMailboxTag(cur.Role, cfg); !recognized {
				return "", false
			}
		}
		name := cur.Name
		parts = append([]string{name}, parts...)
		if cur.ParentID == "" {
			break
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	tag := strings.Join(parts, cfg.DirectorySeparator)
	if cfg.Lowercase {
		tag = strings.ToLower(tag)
	}
	return tag, true
}

// RemoteToLocal computes the local tag set that mirrors a message's
// observed remote properties, per spec.md §4.3 in full: automatic tags
// from their corresponding keywords, dual-source spam/importance
// reconciliation, mailbox membership tags, and keyword-bound tags.
func RemoteToLocal(snap message.RemoteSnapshot, mailboxes map[message.MailboxID]message.Mailbox, cfg Config) map[string]bool {
	tags := map[string]bool{}

	// Automatic tags, synchronized from their corresponding keywords and
	// emitted under the fixed five names alongside the other tags.
	if !snap.Keywords[message.KeywordSeen] {
		tags[message.AutoTagUnread] = true
	}
	if snap.Keywords[message.KeywordFlagged] {
		tags[message.AutoTagFlagged] = true
	}
	if snap.Keywords[message.KeywordDraft] {
		tags[message.AutoTagDraft] = true
	}
	if snap.Keywords[message.KeywordForwarded] {
		tags[message.AutoTagPassed] = true
	}
	if snap.Keywords[message.KeywordAnswered] {
		tags[message.AutoTagReplied] = true
	}

	// Spam reconciliation: a Junk-role mailbox, if one exists, is the
	// sole source of truth and the $Junk/$NotJunk keywords are ignored.
	spamTag := cfg.RoleTag[message.RoleJunk]
	if spamTag == "" {
		spamTag = cfg.KeywordTag[message.KeywordJunk]
	}
	if spamTag != "" {
		if junkID, ok := junkMailboxExists(mailboxes); ok {
			if snap.MailboxIDs[junkID] {
				tags[spamTag] = true
			}
		} else if snap.Keywords[message.KeywordJunk] && !snap.Keywords[message.KeywordNotJunk] {
			tags[spamTag] = true
		}
	}

	// Importance reconciliation: dual source, either signal sets the
	// tag.
	importantTag := cfg.RoleTag[message.RoleImportant]
	if importantTag == "" {
		importantTag = cfg.KeywordTag[message.KeywordImportant]
	}
	if importantTag != "" {
		inImportantMailbox := false
		if id, ok := importantMailbox(mailboxes); ok {
			inImportantMailbox = snap.MailboxIDs[id]
		}
		if inImportantMailbox || snap.Keywords[message.KeywordImportant] {
			tags[importantTag] = true
		}
	}

	if phishingTag := cfg.KeywordTag[message.KeywordPhishing]; phishingTag != "" && snap.Keywords[message.KeywordPhishing] {
		tags[phishingTag] = true
	}

	for mailboxID, present := range snap.MailboxIDs {
		if !present {
			continue
		}
		mb, ok := mailboxes[mailboxID]
		if !ok {
			continue
		}
		if mb.Role == message.RoleJunk || mb.Role == message.RoleImportant {
			// Already folded into the dual-source tags above.
			continue
		}
		tag, ok := MailboxTag(mb, mailboxes, cfg)
		if !ok {
			continue
		}
		tags[tag] = true
	}

	return tags
}

// Delta is the pure diff of local tags against a message's last-known
// remote snapshot: the add/remove keyword and mailbox-id sets Email/set
// needs (spec.md §4.3's local→remote direction).
type Delta struct {
	AddKeywords     map[message.Keyword]bool
	RemoveKeywords  map[message.Keyword]bool
	AddMailboxes    map[message.MailboxID]bool
	RemoveMailboxes map[message.MailboxID]bool
	// MissingMailboxTags names local tags that map to a mailbox that
	// does not exist on the server yet; the caller auto-creates these
	// before pushing, if configured to.
	MissingMailboxTags []string
}

// tagToMailboxID is a precomputed reverse index from tag name to the
// mailbox currently bearing it, used to resolve local tags back to
// mailboxIds on push.
type tagToMailboxID map[string]message.MailboxID

// BuildTagIndex computes the reverse mapping from local tag name to
// mailbox id for every mailbox the tag mapper would synchronize.
func BuildTagIndex(mailboxes map[message.MailboxID]message.Mailbox, cfg Config) tagToMailboxID {
	idx := tagToMailboxID{}
	for id, mb := range mailboxes {
		tag, ok := MailboxTag(mb, mailboxes, cfg)
		if !ok {
			continue
		}
		idx[tag] = id
	}
	return idx
}

// LocalToRemoteDelta computes the keyword/mailbox deltas needed to make
// the server's view of a message match localTags, given its last-observed
// remote snapshot. Deltas are expressed as adds/removes of specific paths
// rather than whole-object replacement, so keywords and mailboxes outside
// the mapping are never mentioned. Every keyword and mailbox the mapping
// covers is compared against snap and set to the value localTags implies;
// there is no record of which tags the user changed, so a mapped keyword
// or mailbox that changed on the server since the last sync is set back
// to the local value.
func LocalToRemoteDelta(localTags map[string]bool, snap message.RemoteSnapshot, mailboxes map[message.MailboxID]message.Mailbox, mailboxIndex tagToMailboxID, cfg Config) Delta {
	d := Delta{
		AddKeywords:     map[message.Keyword]bool{},
		RemoveKeywords:  map[message.Keyword]bool{},
		AddMailboxes:    map[message.MailboxID]bool{},
		RemoveMailboxes: map[message.MailboxID]bool{},
	}

	setKeyword := func(kw message.Keyword, want bool) {
		have := snap.Keywords[kw]
		if want && !have {
			d.AddKeywords[kw] = true
		} else if !want && have {
			d.RemoveKeywords[kw] = true
		}
	}

	setKeyword(message.KeywordSeen, !localTags[message.AutoTagUnread])
	setKeyword(message.KeywordFlagged, localTags[message.AutoTagFlagged])
	setKeyword(message.KeywordDraft, localTags[message.AutoTagDraft])
	setKeyword(message.KeywordForwarded, localTags[message.AutoTagPassed])
	setKeyword(message.KeywordAnswered, localTags[message.AutoTagReplied])

	setMailbox := func(id message.MailboxID, want bool) {
		if id == "" {
			return
		}
		have := snap.MailboxIDs[id]
		if want && !have {
			d.AddMailboxes[id] = true
		} else if !want && have {
			d.RemoveMailboxes[id] = true
		}
	}

	// Spam: both the mailbox (if it exists) and the keywords are set
	// consistently on push, regardless of which was authoritative on
	// pull.
	spamTag := cfg.RoleTag[message.RoleJunk]
	if spamTag == "" {
		spamTag = cfg.KeywordTag[message.KeywordJunk]
	}
	if spamTag != "" {
		wantSpam := localTags[spamTag]
		setKeyword(message.KeywordJunk, wantSpam)
		setKeyword(message.KeywordNotJunk, !wantSpam)
		if junkID, ok := junkMailboxExists(mailboxes); ok {
			setMailbox(junkID, wantSpam)
		}
	}

	// Importance: same dual-write.
	importantTag := cfg.RoleTag[message.RoleImportant]
	if importantTag == "" {
		importantTag = cfg.KeywordTag[message.KeywordImportant]
	}
	if importantTag != "" {
		wantImportant := localTags[importantTag]
		setKeyword(message.KeywordImportant, wantImportant)
		if id, ok := importantMailbox(mailboxes); ok {
			setMailbox(id, wantImportant)
		}
	}

	if phishingTag := cfg.KeywordTag[message.KeywordPhishing]; phishingTag != "" {
		setKeyword(message.KeywordPhishing, localTags[phishingTag])
	}

	for mailboxID, mb := range mailboxes {
		if mb.Role == message.RoleJunk || mb.Role == message.RoleImportant {
			continue
		}
		tag, ok := MailboxTag(mb, mailboxes, cfg)
		if !ok {
			continue
		}
		setMailbox(mailboxID, localTags[tag])
	}

	// Any local tag that maps to no known mailbox and isn't a keyword or
	// automatic tag is a candidate for mailbox auto-creation.
	for tag, present := range localTags {
		if !present || message.IsAutomaticTag(tag) {
			continue
		}
		if tag == spamTag || tag == importantTag || tag == cfg.KeywordTag[message.KeywordPhishing] {
			continue
		}
		if _, ok := mailboxIndex[tag]; ok {
			continue
		}
		d.MissingMailboxTags = append(d.MissingMailboxTags, tag)
	}

	return d
}
