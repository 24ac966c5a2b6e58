// Package message provides the common data objects shared across mujmap's
// sync engine, remote client, and local store.
package message

import (
	"fmt"
	"strings"
)

// ID is the server's opaque, stable identifier for a message.
type ID string

// BlobID is the server's opaque identifier for a message's body bytes. It
// changes whenever the message's canonical bytes change.
type BlobID string

// MailboxID is the server's opaque identifier for a mailbox.
type MailboxID string

// Role is a well-known semantic label attached to a mailbox.
type Role string

const (
	RoleInbox     Role = "Inbox"
	RoleSent      Role = "Sent"
	RoleTrash     Role = "Trash"
	RoleJunk      Role = "Junk"
	RoleDrafts    Role = "Drafts"
	RoleArchive   Role = "Archive"
	RoleImportant Role = "Important"
	RoleAll       Role = "All"
)

// Keyword is an IANA message keyword, e.g. "$Seen".
type Keyword string

const (
	KeywordSeen      Keyword = "$Seen"
	KeywordFlagged   Keyword = "$Flagged"
	KeywordAnswered  Keyword = "$Answered"
	KeywordDraft     Keyword = "$Draft"
	KeywordForwarded Keyword = "$Forwarded"
	KeywordJunk      Keyword = "$Junk"
	KeywordNotJunk   Keyword = "$NotJunk"
	KeywordImportant Keyword = "$Important"
	KeywordPhishing  Keyword = "$Phishing"
)

// Mailbox is a server-side mailbox: its id, optional role, and parent.
type Mailbox struct {
	ID       MailboxID
	Name     string
	Role     Role
	ParentID MailboxID // empty if top-level
}

// RemoteSnapshot captures the properties observed for one MessageID during
// a single sync run.
type RemoteSnapshot struct {
	ID         ID
	BlobID     BlobID
	MailboxIDs map[MailboxID]bool
	Keywords   map[Keyword]bool
}

// LocalState captures one on-disk message as known to the index.
type LocalState struct {
	ID              ID
	BlobID          BlobID
	Filename        string
	Tags            map[string]bool
	LocallyModified bool
	IndexRevision   uint64
}

// Filename returns the maildir-standard name for this pair, in the
// "{MessageId}.{BlobId}:2,{flags}" format documented in the data model.
func Filename(id ID, blob BlobID, flags string) string {
	return fmt.Sprintf("%s.%s:2,%s", id, blob, flags)
}

// CacheName returns the bare cache filename, before any maildir flag suffix
// is appended: "{MessageId}.{BlobId}".
func CacheName(id ID, blob BlobID) string {
	return fmt.Sprintf("%s.%s", id, blob)
}

// ParseFilename reverses Filename, recovering the MessageID, BlobID and
// flag suffix from a maildir basename. ok is false for anything that does
// not carry mujmap's "{id}.{blob}:2,{flags}" wire format; such files are
// unmanaged and ignored during reverse lookup.
func ParseFilename(name string) (id ID, blob BlobID, flags string, ok bool) {
	base, flags, found := strings.Cut(name, ":2,")
	if !found {
		return "", "", "", false
	}
	idPart, blobPart, found := strings.Cut(base, ".")
	if !found || idPart == "" || blobPart == "" {
		return "", "", "", false
	}
	return ID(idPart), BlobID(blobPart), flags, true
}

// Automatic tags mirror the JMAP system keywords. They are stored in the
// local index with the other tags, mujmap reads them to derive JMAP
// keyword deltas, and the maildir flag suffix is computed from them.
const (
	AutoTagUnread  = "unread"
	AutoTagFlagged = "flagged"
	AutoTagDraft   = "draft"
	AutoTagPassed  = "passed"
	AutoTagReplied = "replied"
)

// IsAutomaticTag reports whether tag is one of the automatic tags; the tag
// mapper never treats these as candidates for mailbox auto-creation.
func IsAutomaticTag(tag string) bool {
	switch tag {
	case AutoTagUnread, AutoTagFlagged, AutoTagDraft, AutoTagPassed, AutoTagReplied:
		return true
	default:
		return false
	}
}
